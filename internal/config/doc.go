// Package config loads the streamkeeper YAML configuration.
//
// Values of the form ${VAR} are replaced from the environment before the
// file is parsed. Zero fields receive defaults, then the result is
// validated. Durations use Go syntax ("30s", "100ms").
package config
