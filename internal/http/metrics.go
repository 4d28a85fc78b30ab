package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	loginOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_login_total",
		Help: "Login attempts by outcome.",
	}, []string{"outcome"})

	registrationOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_registration_total",
		Help: "Registration requests by stage and outcome.",
	}, []string{"stage", "outcome"})
)
