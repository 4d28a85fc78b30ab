package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"

	"lyceum/server/internal/config"
	"lyceum/server/internal/model"
	"lyceum/server/internal/repository"
	"lyceum/server/internal/store"
)

type fakeDirectory struct {
	mu     sync.Mutex
	users  map[model.Role]map[string]model.User
	nextID int64
	fail   error
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{users: map[model.Role]map[string]model.User{}}
}

func (d *fakeDirectory) FindByEmail(_ context.Context, role model.Role, email string) (model.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return model.User{}, d.fail
	}
	if user, ok := d.users[role][email]; ok {
		return user, nil
	}
	return model.User{}, pgx.ErrNoRows
}

func (d *fakeDirectory) FindByID(_ context.Context, role model.Role, id int64) (model.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return model.User{}, d.fail
	}
	for _, user := range d.users[role] {
		if user.ID == id {
			return user, nil
		}
	}
	return model.User{}, pgx.ErrNoRows
}

func (d *fakeDirectory) EmailExists(_ context.Context, role model.Role, email string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return false, d.fail
	}
	_, ok := d.users[role][email]
	return ok, nil
}

func (d *fakeDirectory) Create(_ context.Context, user model.User) (model.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return model.User{}, d.fail
	}
	if _, ok := d.users[user.Role][user.Email]; ok {
		return model.User{}, repository.ErrDuplicateEmail
	}
	d.nextID++
	user.ID = d.nextID
	user.CreatedAt = time.Now().UTC()
	user.UpdatedAt = user.CreatedAt
	if d.users[user.Role] == nil {
		d.users[user.Role] = map[string]model.User{}
	}
	d.users[user.Role][user.Email] = user
	return user, nil
}

func (d *fakeDirectory) UpdatePassword(_ context.Context, role model.Role, id int64, passwordHash string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return d.fail
	}
	for email, user := range d.users[role] {
		if user.ID == id {
			user.PasswordHash = passwordHash
			d.users[role][email] = user
			return nil
		}
	}
	return errors.New("fake: user not found")
}

func (d *fakeDirectory) delete(role model.Role, email string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.users[role], email)
}

type sentMail struct {
	To       string
	Subject  string
	Template string
	Data     map[string]string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentMail
	fail error
}

func (n *recordingNotifier) Send(_ context.Context, to, subject, templateName string, data map[string]string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail != nil {
		return n.fail
	}
	n.sent = append(n.sent, sentMail{To: to, Subject: subject, Template: templateName, Data: data})
	return nil
}

func (n *recordingNotifier) last(t *testing.T) sentMail {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.sent) == 0 {
		t.Fatalf("no mail sent")
	}
	return n.sent[len(n.sent)-1]
}

func testConfig() config.Config {
	return config.Config{
		SecretKey:                    "test-secret",
		JWTIssuer:                    "test-issuer",
		AccessTokenTTL:               15 * time.Minute,
		RefreshTokenTTL:              30 * 24 * time.Hour,
		OTPExpiration:                10 * time.Minute,
		PasswordResetTokenMaxAge:     time.Hour,
		ChildRegistrationTokenMaxAge: 72 * time.Hour,
		FrontendBaseURL:              "https://app.example.com",
		ChildRegistrationPath:        "/register/child",
		PasswordResetPath:            "/reset-password",
	}
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return store.NewRedis(client)
}
