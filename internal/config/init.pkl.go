package config

import "github.com/apple/pkl-go/pkl"

func init() {
	pkl.RegisterMapping("routegate.AppConfig", AppConfig{})
	pkl.RegisterMapping("routegate.AppConfig#Server", Server{})
	pkl.RegisterMapping("routegate.AppConfig#Session", Session{})
	pkl.RegisterMapping("routegate.AppConfig#Engine", Engine{})
	pkl.RegisterMapping("routegate.AppConfig#Audit", Audit{})
	pkl.RegisterMapping("routegate.AppConfig#Prometheus", Prometheus{})
	pkl.RegisterMapping("routegate.AppConfig#Route", Route{})
	pkl.RegisterMapping("routegate.AppConfig#DevSession", DevSession{})
}
