// Command chatctl is the operator tool for the chat server: it applies schema
// migrations, creates users with their key pairs, backfills key pairs for
// users created before they existed, and issues tokens.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/whisper/securechat/internal/auth"
	"github.com/whisper/securechat/internal/config"
	"github.com/whisper/securechat/internal/store"
	"github.com/whisper/securechat/internal/user"
)

const usage = `usage: chatctl <command> [flags]

commands:
  migrate                      apply pending schema migrations
  user create -username NAME   create a user and print its id
  backfill-keys                generate key pairs for users missing them
  token -user ID               issue a token for an existing user
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	cfg.ConfigureLogging()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch os.Args[1] {
	case "migrate":
		err = runMigrate(cfg)
	case "user":
		err = runUser(ctx, cfg, os.Args[2:])
	case "backfill-keys":
		err = runBackfillKeys(cfg)
	case "token":
		err = runToken(ctx, cfg, os.Args[2:])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		logrus.WithError(err).Fatal(os.Args[1] + " failed")
	}
}

func runMigrate(cfg config.Config) error {
	if err := store.Migrate(cfg.DatabaseURL); err != nil {
		return err
	}
	logrus.Info("migrations applied")
	return nil
}

func runUser(ctx context.Context, cfg config.Config, args []string) error {
	if len(args) == 0 || args[0] != "create" {
		return errors.New("unknown user subcommand, want: user create -username NAME")
	}
	fs := flag.NewFlagSet("user create", flag.ExitOnError)
	username := fs.String("username", "", "username of the new user")
	fs.Parse(args[1:])
	if *username == "" {
		return errors.New("-username is required")
	}

	db, err := store.Open(store.DefaultDBConfig(cfg.DatabaseURL))
	if err != nil {
		return err
	}
	defer db.Close()

	u, err := user.NewStore(db).Create(ctx, *username)
	if err != nil {
		return err
	}
	fmt.Println(u.ID)
	return nil
}

// runBackfillKeys is not bounded by the command timeout; a large users table
// can take longer than that.
func runBackfillKeys(cfg config.Config) error {
	db, err := store.Open(store.DefaultDBConfig(cfg.DatabaseURL))
	if err != nil {
		return err
	}
	defer db.Close()

	n, err := user.NewStore(db).BackfillKeys(context.Background())
	if err != nil {
		return err
	}
	fmt.Println(n)
	return nil
}

func runToken(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	userID := fs.String("user", "", "id of the user to issue a token for")
	ttl := fs.Duration("ttl", auth.DefaultOptions(nil).TTL, "token lifetime")
	fs.Parse(args)
	if *userID == "" {
		return errors.New("-user is required")
	}

	db, err := store.Open(store.DefaultDBConfig(cfg.DatabaseURL))
	if err != nil {
		return err
	}
	defer db.Close()

	u, err := user.NewStore(db).Get(ctx, *userID)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", *userID, err)
	}

	issuer, err := auth.NewIssuer(auth.Options{Secret: []byte(cfg.JWTSecret), TTL: *ttl})
	if err != nil {
		return err
	}
	token, exp, err := issuer.Issue(u.ID)
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{"user_id": u.ID, "expires": exp.Format(time.RFC3339)}).Info("token issued")
	fmt.Println(token)
	return nil
}
