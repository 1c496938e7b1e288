package config

import "github.com/apple/pkl-go/pkl"

type Server struct {
	ListenAddr string `pkl:"listenAddr"`

	// UpstreamURL receives authorized requests. Empty disables proxying.
	UpstreamURL string `pkl:"upstreamURL"`

	ErrorDestination string `pkl:"errorDestination"`

	SessionTimeout *pkl.Duration `pkl:"sessionTimeout"`

	ShutdownTimeout *pkl.Duration `pkl:"shutdownTimeout"`
}

type Session struct {
	// Source is one of "remote", "header" or "static".
	Source string `pkl:"source"`

	AuthBaseURL string `pkl:"authBaseURL"`

	// CacheStore is one of "none", "memory" or "redis".
	CacheStore string `pkl:"cacheStore"`

	CacheTTL *pkl.Duration `pkl:"cacheTTL"`

	RedisAddr string `pkl:"redisAddr"`

	RedisPassword string `pkl:"redisPassword"`

	RedisDB int `pkl:"redisDB"`
}

type Engine struct {
	// Kind is "builtin" or "rego".
	Kind string `pkl:"kind"`

	RegoPath string `pkl:"regoPath"`

	RegoQuery string `pkl:"regoQuery"`
}

type Audit struct {
	Stdout bool `pkl:"stdout"`

	// PostgresDSN enables the decision store when set.
	PostgresDSN string `pkl:"postgresDSN"`
}

type Prometheus struct {
	ListenAddr string `pkl:"listenAddr"`
}

type Route struct {
	Path string `pkl:"path"`

	Preset string `pkl:"preset"`

	Arg string `pkl:"arg"`

	// Mode is "redirect" or "deny".
	Mode string `pkl:"mode"`

	RedirectTarget string `pkl:"redirectTarget"`
}

type DevSession struct {
	UserID string `pkl:"userID"`

	Email string `pkl:"email"`

	TenantID string `pkl:"tenantID"`

	TenantName string `pkl:"tenantName"`

	Role string `pkl:"role"`

	Permissions []string `pkl:"permissions"`
}
