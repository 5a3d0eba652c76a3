// Package config defines the settings of the arrival daemon and its control
// client and provides helpers to load, validate and save them in YAML format.
//
// Load layers an optional .env file, the YAML file and ARRIVAL_* environment
// variables on top of Default. Validate fills zero values with defaults.
package config
