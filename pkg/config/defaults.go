package config

import "os"

// DefaultServerConfig returns the built-in HTTP listener defaults.
func DefaultServerConfig() *ServerConfig {
	machine, err := os.Hostname()
	if err != nil || machine == "" {
		machine = "local"
	}
	return &ServerConfig{
		Addr:          ":8080",
		TargetMachine: machine,
	}
}

// DefaultDatabaseConfig returns the built-in Postgres connection defaults.
func DefaultDatabaseConfig() *DatabaseConfig {
	return &DatabaseConfig{
		Host:         "localhost",
		Port:         5432,
		User:         "conductor",
		Database:     "conductor",
		SSLMode:      "disable",
		MaxOpenConns: 10,
		MaxIdleConns: 5,
	}
}
