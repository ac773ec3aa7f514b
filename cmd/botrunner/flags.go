package main

import "time"

// Flag structs decouple cobra from the command logic for testing.

type GlobalFlags struct {
	ConfigPath string
}

// APIFlags selects the server remote commands talk to.
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
	Token      string // overrides the saved session
	CACert     string
	Insecure   bool
}

type ServeFlags struct {
	Daemonize bool
	PidFile   string
	LogFile   string
}

type UploadFlags struct {
	APIFlags
	Tenant   string
	BotJS    string
	Manifest string
}

type TenantFlags struct {
	APIFlags
	Tenant string
	Wait   time.Duration
}

type BanFlags struct {
	APIFlags
	UserID string
}

type LoginFlags struct {
	APIFlags
	Username string
	Password string
}

type HashFlags struct {
	Password string
}
