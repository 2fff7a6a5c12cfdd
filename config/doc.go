// Package config assembles a ready-to-use tracer from declarative
// configuration.
//
// # Overview
//
// A Configuration can be loaded from environment variables (STRAND_*
// keys), from a YAML or TOML file, or built in code starting from
// Default. Its NewTracer method is the composition root: it constructs
// the logger, metrics, sampler, transport, and reporter, wires them
// together, and returns the tracer plus a closer for shutdown.
//
// # Usage
//
//	cfg, err := config.FromEnv()
//	if err != nil {
//		log.Fatal(err)
//	}
//	tracer, closer, err := cfg.NewTracer()
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer closer.Close()
package config
