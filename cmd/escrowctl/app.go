package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"escrow-backend/config"
	"escrow-backend/core/marketplace"
	"escrow-backend/judge"
	"escrow-backend/network"
	projclient "escrow-backend/projection"
)

// app holds what every command needs once flags are parsed.
type app struct {
	cfg        *config.Config
	networks   *network.Registry
	projection *projclient.Client
	out        io.Writer
}

func newApp(configPath, networkKey string, out io.Writer) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	config.SetupLogging(cfg.LogLevel)

	profiles, err := network.LoadProfiles(cfg.ProfilesFile)
	if err != nil {
		return nil, err
	}
	active := cfg.Network
	if networkKey != "" {
		active = networkKey
	}
	registry, err := network.NewRegistry(profiles, active)
	if err != nil {
		return nil, err
	}
	return &app{
		cfg:        cfg,
		networks:   registry,
		projection: projclient.NewClient(cfg.ProjectionURL, cfg.Timeout),
		out:        out,
	}, nil
}

// session resolves the acting identity by name against the directory.
func (a *app) session(ctx context.Context, actor string) (marketplace.Session, error) {
	if actor == "" {
		actor = a.cfg.Actor
	}
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return marketplace.Session{}, fmt.Errorf("no acting identity: pass --as or set ESCROW_ACTOR")
	}
	users, err := a.projection.Users(ctx)
	if err != nil {
		return marketplace.Session{}, fmt.Errorf("load identity directory: %w", err)
	}
	for _, u := range users {
		if u.Name == actor {
			return marketplace.Session{Actor: u, Networks: a.networks}, nil
		}
	}
	return marketplace.Session{}, fmt.Errorf("%w: %q", marketplace.ErrUnknownIdentity, actor)
}

func (a *app) judge() *judge.Client {
	return judge.NewClient(a.cfg.JudgeURL, a.cfg.JudgeTimeout)
}

// endpoints maps each profile's hex chain id to its RPC URL for the key wallet.
func (a *app) endpoints() map[string]string {
	out := make(map[string]string)
	for _, p := range a.networks.Profiles() {
		out[p.HexChainID()] = p.RPCURL
	}
	return out
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
