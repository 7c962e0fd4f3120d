// Package model defines the provider-agnostic abstractions and concrete
// helpers for interacting with text-generation models inside HealthMesh.
//
// Core goals:
//   - Narrow, synchronous generation contract (Generator) stages can call
//     under their own deadline
//   - Classified failures (timeout, refusal, transient) so callers can
//     degrade to rule-based findings instead of failing the pipeline
//   - Keep request/response shapes minimal and transport independent
//   - Facilitate lightweight canned generation for tests (StaticGenerator)
//
// Providers (e.g. OpenAI, Anthropic) implement the Generator interface from
// this package so higher layers (stages, escalation) remain decoupled from
// vendor SDKs.
package model
