// Package config holds the Pkl shaped application configuration.
package config

import (
	"context"

	"github.com/apple/pkl-go/pkl"
)

// AppConfig mirrors config/AppConfig.pkl.
type AppConfig struct {
	Server *Server `pkl:"server"`

	Session *Session `pkl:"session"`

	Engine *Engine `pkl:"engine"`

	Audit *Audit `pkl:"audit"`

	Prometheus *Prometheus `pkl:"prometheus"`

	Routes []*Route `pkl:"routes"`

	DevSession *DevSession `pkl:"devSession"`
}

// LoadFromPath loads the pkl module at the given path and evaluates it into a AppConfig
func LoadFromPath(ctx context.Context, path string) (ret *AppConfig, err error) {
	evaluator, err := pkl.NewEvaluator(ctx, pkl.PreconfiguredOptions)
	if err != nil {
		return nil, err
	}
	defer func() {
		cerr := evaluator.Close()
		if err == nil {
			err = cerr
		}
	}()
	ret, err = Load(ctx, evaluator, pkl.FileSource(path))
	return ret, err
}

// Load loads the pkl module at the given source and evaluates it with the given evaluator into a AppConfig
func Load(ctx context.Context, evaluator pkl.Evaluator, source *pkl.ModuleSource) (*AppConfig, error) {
	var ret AppConfig
	if err := evaluator.EvaluateModule(ctx, source, &ret); err != nil {
		return nil, err
	}
	return &ret, nil
}
