package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/devrev/swimfs/internal/admin"
)

const usage = `usage: swimctl <command> [args]

commands:
  join <slot> | leave | id | list | put <local> <name> | get <name> <local>
  delete <name> | store | ls <name> | ring | next | prefix <dir>

settings (SWIMCTL_ADDR, SWIMCTL_TIMEOUT or swimctl.yaml):
  addr     admin address of the node (default 127.0.0.1:7070)
  timeout  per-command timeout (default 30s)`

var errUsage = errors.New("invalid command")

func loadSettings() (*viper.Viper, error) {
	v := viper.New()
	v.SetDefault("addr", "127.0.0.1:7070")
	v.SetDefault("timeout", "30s")

	v.SetConfigName("swimctl")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/swimfs")

	v.SetEnvPrefix("SWIMCTL")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read swimctl.yaml: %w", err)
		}
	}
	return v, nil
}

func main() {
	v, err := loadSettings()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	client, err := admin.NewClient(v.GetString("addr"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), v.GetDuration("timeout"))
	defer cancel()

	if err := run(ctx, client, os.Args[1:]); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, usage)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, c *admin.Client, args []string) error {
	if len(args) == 0 {
		return errUsage
	}

	switch {
	case args[0] == "join" && len(args) == 2:
		slot, err := strconv.Atoi(args[1])
		if err != nil {
			return errUsage
		}
		return c.Join(ctx, slot)
	case args[0] == "leave" && len(args) == 1:
		return c.Leave(ctx)
	case args[0] == "id" && len(args) == 1:
		id, err := c.Identity(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("slot %d birth %d addr %s state %s\n", id.Slot, id.BirthTime, id.Addr, id.State)
	case args[0] == "list" && len(args) == 1:
		members, err := c.Members(ctx)
		if err != nil {
			return err
		}
		for _, m := range members {
			fmt.Printf("slot %2d  birth %d  addr %s\n", m.Slot, m.BirthTime, m.Addr)
		}
	case args[0] == "put" && len(args) == 3:
		return c.Put(ctx, args[1], args[2])
	case args[0] == "get" && len(args) == 3:
		return c.Get(ctx, args[1], args[2])
	case args[0] == "delete" && len(args) == 2:
		return c.Delete(ctx, args[1])
	case args[0] == "store" && len(args) == 1:
		recs, err := c.Store(ctx)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			fmt.Printf("%-9s %10d %08x %s\n", rec.Role, rec.Size, rec.Checksum, rec.Name)
		}
	case args[0] == "ls" && len(args) == 2:
		replicas, err := c.Locate(ctx, args[1])
		if err != nil {
			return err
		}
		for _, r := range replicas {
			fmt.Printf("slot %2d  %s\n", r.Slot, r.Role)
		}
	case args[0] == "ring" && len(args) == 1:
		slots, err := c.Ring(ctx)
		if err != nil {
			return err
		}
		fmt.Println(strings.Trim(fmt.Sprint(slots), "[]"))
	case args[0] == "next" && len(args) == 1:
		next, err := c.Next(ctx)
		if err != nil {
			return err
		}
		fmt.Println(next)
	case args[0] == "prefix" && len(args) == 2:
		names, err := c.ListPrefix(ctx, args[1])
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Println(name)
		}
	default:
		return errUsage
	}
	return nil
}
