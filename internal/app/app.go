// Package app loads the model artifacts named by the configuration and wires
// the explanation pipeline shared by the server and the CLI.
package app

import (
	"context"
	"errors"
	"os"

	"go.uber.org/zap"

	"github.com/Brownie44l1/xray-gradcam/internal/config"
	"github.com/Brownie44l1/xray-gradcam/internal/failure"
	"github.com/Brownie44l1/xray-gradcam/internal/gradcam"
	"github.com/Brownie44l1/xray-gradcam/internal/inference"
	"github.com/Brownie44l1/xray-gradcam/internal/model"
	"github.com/Brownie44l1/xray-gradcam/internal/store"
)

type App struct {
	Metadata model.Metadata
	Network  *model.Network
	Engine   *gradcam.Engine
	Service  *inference.Service
	// Store is nil unless report history is enabled.
	Store *store.Store
}

// Build fails with a configuration error when the weights or metadata are
// missing; there is no fallback to an untrained model.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	const op = "app.Build"
	if logger == nil {
		logger = zap.NewNop()
	}

	metaPath, ckptPath := cfg.MetadataPath(), cfg.CheckpointPath()
	for _, p := range []string{metaPath, ckptPath} {
		if _, err := os.Stat(p); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, failure.Configurationf(op, "model artifact %s not found", p)
			}
			return nil, failure.Wrap(failure.IO, op, err)
		}
	}

	meta, err := model.LoadMetadata(metaPath)
	if err != nil {
		return nil, failure.Wrap(failure.Configuration, op, err)
	}
	net, err := model.Load(ckptPath, meta, model.Options{
		BaseDir:     cfg.Model.Dir,
		ONNXLibrary: cfg.Model.ONNXLibrary,
	})
	if err != nil {
		return nil, failure.Wrap(failure.Configuration, op, err)
	}

	target := cfg.Model.TargetLayer
	if target == "" {
		target = meta.TargetLayer
	}
	if target == "" {
		last, ok := net.LastSpatialLayer()
		if !ok {
			net.Close()
			return nil, failure.Configurationf(op, "no target layer configured and the network has no spatial layer")
		}
		target = last
	}
	if _, ok := net.OutputShape(target); !ok {
		net.Close()
		return nil, failure.Configurationf(op, "target layer %q does not exist in the network", target)
	}

	engine, err := gradcam.New(net, target, logger.Named("gradcam"))
	if err != nil {
		net.Close()
		return nil, err
	}
	svc, err := inference.NewService(net, engine, meta, inference.Options{
		JPEGQuality: cfg.Inference.JPEGQuality,
		CacheSize:   cfg.Inference.CacheSize,
		Logger:      logger.Named("inference"),
	})
	if err != nil {
		net.Close()
		return nil, err
	}

	a := &App{Metadata: meta, Network: net, Engine: engine, Service: svc}
	if cfg.Store.Enabled {
		st, err := store.Open(ctx, cfg.Store.Path)
		if err != nil {
			net.Close()
			return nil, err
		}
		a.Store = st
	}

	logger.Info("model loaded",
		zap.String("checkpoint", ckptPath),
		zap.Strings("classes", net.Classes()),
		zap.String("target_layer", target),
		zap.Ints("input_shape", net.InputShape()),
		zap.Bool("store", a.Store != nil))
	return a, nil
}

func (a *App) Close() error {
	var errs []error
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	errs = append(errs, a.Network.Close())
	return errors.Join(errs...)
}
