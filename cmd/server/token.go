package main

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"
	"github.com/google/uuid"
	"github.com/phrazzld/cadence/internal/service/auth"
)

type tokenCommand struct {
	root     *rootCommand
	tenant   string
	operator string
}

func newTokenCommand(root *rootCommand, app *kingpin.Application) *tokenCommand {
	c := &tokenCommand{root: root}
	cmd := app.Command("token", "Print a signed operator token.")
	cmd.Flag("tenant", "Tenant the token is scoped to.").Required().StringVar(&c.tenant)
	cmd.Flag("operator", "Operator the token identifies. A random ID is used when empty.").StringVar(&c.operator)
	return c
}

func (c *tokenCommand) Name() string { return "token" }

func (c *tokenCommand) Run(ctx context.Context) error {
	tenantID, err := uuid.Parse(c.tenant)
	if err != nil {
		return fmt.Errorf("invalid tenant ID %q: %w", c.tenant, err)
	}
	operatorID := uuid.New()
	if c.operator != "" {
		if operatorID, err = uuid.Parse(c.operator); err != nil {
			return fmt.Errorf("invalid operator ID %q: %w", c.operator, err)
		}
	}

	// Minting a token never touches storage.
	cfg, err := c.root.loadConfig(map[string]any{"server.storage": "memory"})
	if err != nil {
		return err
	}
	jwtService, err := auth.NewJWTService(cfg.Auth)
	if err != nil {
		return fmt.Errorf("failed to create JWT service: %w", err)
	}
	token, err := jwtService.GenerateToken(ctx, operatorID, tenantID)
	if err != nil {
		return fmt.Errorf("failed to generate token: %w", err)
	}

	_, err = fmt.Fprintln(c.root.Stdout, token)
	return err
}
