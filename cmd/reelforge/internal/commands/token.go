package commands

import (
	"fmt"
	"time"

	"github.com/rossigee/reelforge/internal/auth"
)

// TokenCmd prints a JWT for a user, signed with JWT_SECRET
type TokenCmd struct {
	User string        `arg:"" help:"User id placed in the token subject."`
	TTL  time.Duration `help:"Token lifetime." default:"24h"`
}

func (t *TokenCmd) Run(globals *Globals) error {
	cfg, err := globals.setup()
	if err != nil {
		return err
	}

	validator, err := auth.NewValidator(auth.Config{JWTSecret: cfg.JWTSecret, JWTIssuer: cfg.JWTIssuer})
	if err != nil {
		return err
	}
	token, err := validator.IssueToken(t.User, t.TTL)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
