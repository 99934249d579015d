/*
Copyright 2024 The Azureformation Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// azureformation provisions Azure classic IaaS topologies from JSON
// templates: an HTTP service plus operational subcommands.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/openhackathon/azureformation/azure"
	"github.com/openhackathon/azureformation/internal/config"
	"github.com/openhackathon/azureformation/internal/credentials"
	"github.com/openhackathon/azureformation/internal/orchestrator"
	"github.com/openhackathon/azureformation/internal/server"
	"github.com/openhackathon/azureformation/internal/store"
	"github.com/openhackathon/azureformation/internal/template"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	debug      bool
}

func (o *rootOptions) logger() (logr.Logger, error) {
	var z *zap.Logger
	var err error
	if o.debug {
		z, err = zap.NewDevelopment()
	} else {
		z, err = zap.NewProduction()
	}
	if err != nil {
		return logr.Logger{}, errors.Wrap(err, "failed to build logger")
	}
	return zapr.NewLogger(z), nil
}

func (o *rootOptions) load() (config.Config, error) {
	return config.Load(o.configPath)
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "azureformation",
		Short:         "Provision Azure classic IaaS topologies from JSON templates",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	bindRootFlags(root.PersistentFlags(), opts)

	root.AddCommand(newServeCommand(opts))
	root.AddCommand(newMigrateCommand(opts))
	root.AddCommand(newRegisterCommand(opts))
	root.AddCommand(newRunCommand(opts))
	return root
}

func bindRootFlags(fs *pflag.FlagSet, opts *rootOptions) {
	fs.StringVar(&opts.configPath, "config", "config.yaml", "path to the configuration file")
	fs.BoolVar(&opts.debug, "debug", false, "verbose development logging")
}

// buildEngine wires the store, credentials and orchestrator from the
// configuration.
func buildEngine(ctx context.Context, cfg config.Config, log logr.Logger) (*store.Store, *orchestrator.Orchestrator, *credentials.Manager, error) {
	st, err := store.Open(cfg.Database.URI)
	if err != nil {
		return nil, nil, nil, err
	}
	manager := credentials.NewManager(st, cfg.CertificatesDir, log.WithName("credentials"))
	engine := orchestrator.New(ctx, st, credentials.ClientFactory(cfg.Azure.ManagementHost),
		log.WithName("orchestrator"), orchestrator.Options{
			AsyncTick:  cfg.Waiter.AsyncTick,
			AsyncLoops: cfg.Waiter.AsyncLoops,
			ReadyTick:  cfg.Waiter.ReadyTick,
			ReadyLoops: cfg.Waiter.ReadyLoops,
		})
	return st, engine, manager, nil
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the workflow engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := opts.logger()
			if err != nil {
				return err
			}
			cfg, err := opts.load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			st, engine, manager, err := buildEngine(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer st.DB().Close()

			srv := server.New(st, engine, manager, log.WithName("http"), func(ctx context.Context) error {
				return st.DB().PingContext(ctx)
			})
			httpServer := &http.Server{Addr: cfg.Listen, Handler: srv.Router()}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				log.Info("listening", "addr", cfg.Listen)
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				log.Info("shutting down")
				return httpServer.Shutdown(context.Background())
			})
			if err := g.Wait(); err != nil {
				return err
			}
			// let in-flight workflows reach a terminal audit record
			engine.Wait()
			return nil
		},
	}
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.Database.URI)
			if err != nil {
				return err
			}
			defer st.DB().Close()
			return st.Migrate(cmd.Context())
		},
	}
}

func newRegisterCommand(opts *rootOptions) *cobra.Command {
	var name, email, subscription, managementHost string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a user and generate their management certificate pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := opts.logger()
			if err != nil {
				return err
			}
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.Database.URI)
			if err != nil {
				return err
			}
			defer st.DB().Close()

			host := managementHost
			if host == "" {
				host = cfg.Azure.ManagementHost
			}
			manager := credentials.NewManager(st, cfg.CertificatesDir, log.WithName("credentials"))
			cred, err := manager.Register(cmd.Context(), name, email, subscription, host)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"credential %d recorded; upload %s to the subscription's management certificates\n",
				cred.ID, cred.CertPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "user display name")
	cmd.Flags().StringVar(&email, "email", "", "user email")
	cmd.Flags().StringVar(&subscription, "subscription", "", "azure subscription id")
	cmd.Flags().StringVar(&managementHost, "management-host", "", "management endpoint override")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("subscription")
	return cmd
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	var experimentID int64
	var templateSource string
	var force bool
	var action string
	cmd := &cobra.Command{
		Use:       "run <create|update|delete|stop|start>",
		Short:     "Dispatch one operation and wait for it to settle",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"create", "update", "delete", "stop", "start"},
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := opts.logger()
			if err != nil {
				return err
			}
			cfg, err := opts.load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			st, engine, _, err := buildEngine(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer st.DB().Close()

			source := templateSource
			if source == "" {
				row, err := st.GetTemplateForExperiment(ctx, experimentID)
				if err != nil {
					return err
				}
				if row == nil {
					return errors.Errorf("experiment %d has no stored template", experimentID)
				}
				source = row.URL
			}
			tmpl, err := template.Load(source)
			if err != nil {
				return err
			}

			switch args[0] {
			case "create":
				err = engine.Create(ctx, experimentID, tmpl)
			case "update":
				err = engine.Update(ctx, experimentID, tmpl)
			case "delete":
				err = engine.Delete(ctx, experimentID, tmpl, force)
			case "stop":
				err = engine.Stop(ctx, experimentID, tmpl, azure.PowerAction(action))
			case "start":
				err = engine.Start(ctx, experimentID, tmpl)
			}
			if err != nil {
				return err
			}
			engine.Wait()
			fmt.Fprintf(cmd.OutOrStdout(), "operation %s dispatched for experiment %d; see the audit feed for the outcome\n",
				args[0], experimentID)
			return nil
		},
	}
	cmd.Flags().Int64Var(&experimentID, "experiment", 0, "experiment id")
	cmd.Flags().StringVar(&templateSource, "template", "", "template path or URL (defaults to the stored template)")
	cmd.Flags().BoolVar(&force, "force", false, "delete resources this system did not create")
	cmd.Flags().StringVar(&action, "action", string(azure.PowerActionStoppedDeallocated), "stop action: Stopped or StoppedDeallocated")
	_ = cmd.MarkFlagRequired("experiment")
	return cmd
}
