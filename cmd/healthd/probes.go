package main

import (
	"github.com/keithlinneman/resourcehealth/internal/apicheck"
	"github.com/keithlinneman/resourcehealth/internal/awscheck"
	"github.com/keithlinneman/resourcehealth/internal/fscheck"
	"github.com/keithlinneman/resourcehealth/internal/health"
	"github.com/keithlinneman/resourcehealth/internal/mqcheck"
	"github.com/keithlinneman/resourcehealth/internal/redischeck"
	"github.com/keithlinneman/resourcehealth/internal/sqlcheck"
)

// newRegistry knows every checker type a declaration file may name.
func newRegistry() *health.Registry {
	reg := health.NewRegistry()
	fscheck.Register(reg)
	sqlcheck.Register(reg)
	mqcheck.Register(reg)
	redischeck.Register(reg)
	apicheck.Register(reg)
	awscheck.Register(reg)
	return reg
}
