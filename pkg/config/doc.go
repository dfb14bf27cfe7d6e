// Package config loads the service configuration.
//
// # Overview
//
// Configuration is a single YAML document decoded over Default() and
// validated with go-playground/validator. Every section maps onto the
// settings type of the package it configures:
//
//	store      -> stores.Config
//	agent      -> engine.Config (loop, grouping, execution pool)
//	approval   -> engine.ApprovalPolicy
//	reasoning  -> reasoning.ClientConfig
//	actions    -> actions.Config
//	telemetry  -> telemetry.Config
//
// The server, notify and policy sections are read directly by the serve
// command.
//
// # Example
//
//	store:
//	  path: /var/lib/selfheal/selfheal.db
//	agent:
//	  loop_interval: 5s
//	  pattern_window: 1h
//	approval:
//	  auto_approve_confidence_threshold: 0.9
//	  medium: 1
//	  high: 2
//	reasoning:
//	  api_key: gsk_...
//	server:
//	  listen: ":8000"
//	  jwt_secret: change-me
//	notify:
//	  redis_url: redis://localhost:6379/0
//
// Unknown keys are rejected so that typos surface at startup. Environment
// overrides (SELFHEAL_*) are applied by the command line on top of the
// loaded file.
package config
