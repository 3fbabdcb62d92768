package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roosthq/roost/internal/adapters/postgres"
	adredis "github.com/roosthq/roost/internal/adapters/redis"
	"github.com/roosthq/roost/internal/config"
	"github.com/roosthq/roost/internal/logging"
	"github.com/roosthq/roost/internal/module"
	"github.com/roosthq/roost/internal/registry"
	"github.com/roosthq/roost/internal/request"
)

// callCmd invokes one module method in-process, for trying out a module file
// before deploying it into a running cage.
func callCmd() *cobra.Command {
	var (
		timeout time.Duration
		payload string
	)

	cmd := &cobra.Command{
		Use:   "call <module.method>",
		Short: "Call a module method once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.InitStructured(logFormat, logLevel)

			reg := registry.New(config.NewDir(configDir), nil)
			reg.RegisterFactory("postgres", postgres.Factory)
			reg.RegisterFactory("redis", adredis.Factory)
			defer reg.StopAll()

			loader := module.NewLoader(module.Options{
				CageDir:   cageDir,
				SharedDir: sharedDir,
				Node:      nodeName,
				Cage:      cageName,
				Provider:  reg,
			})

			var callArgs []any
			if payload != "" {
				if err := json.Unmarshal([]byte(payload), &callArgs); err != nil {
					return fmt.Errorf("payload must be a JSON array: %w", err)
				}
			}

			rc := request.New("cli", "local", timeout, nil)
			ctx := request.With(context.Background(), rc)

			result, err := loader.Call(ctx, args[0], callArgs, nil)
			if err != nil {
				return err
			}
			out, _ := json.MarshalIndent(result, "", "  ")
			fmt.Printf("%s\n", out)
			return nil
		},
	}

	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 30*time.Second, "Request timeout")
	cmd.Flags().StringVarP(&payload, "payload", "p", "", "JSON array of positional arguments")
	return cmd
}
