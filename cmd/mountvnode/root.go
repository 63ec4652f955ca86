// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fusebridge/vnode/cfg"
	"github.com/fusebridge/vnode/internal/clock"
	"github.com/fusebridge/vnode/internal/logger"
	"github.com/fusebridge/vnode/internal/metrics"
	"github.com/fusebridge/vnode/protocol"
	"github.com/fusebridge/vnode/transport"
	"github.com/fusebridge/vnode/vnodefs"
)

var (
	cfgFile       string
	bindErr       error
	configFileErr error
	unmarshalErr  error
	mountConfig   cfg.Config
)

var rootCmd = &cobra.Command{
	Use:   "mountvnode [flags] mount-point",
	Short: "Bridge VFS vnode operations to a userspace daemon over a ticketed RPC transport",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if bindErr != nil {
			return bindErr
		}
		if configFileErr != nil {
			return configFileErr
		}
		if unmarshalErr != nil {
			return unmarshalErr
		}

		mountPoint, err := filepath.Abs(args[0])
		if err != nil {
			return fmt.Errorf("resolving mount point: %w", err)
		}

		return run(cmd.Context(), mountPoint)
	},
}

func run(ctx context.Context, mountPoint string) error {
	if err := logger.Init(logger.Config{
		FilePath: mountConfig.Logging.FilePath,
		Format:   mountConfig.Logging.Format,
		Severity: string(mountConfig.Logging.Severity),
		Rotate: logger.RotateConfig{
			MaxFileSizeMB:   mountConfig.Logging.MaxFileSizeMB,
			BackupFileCount: mountConfig.Logging.BackupFileCount,
			Compress:        mountConfig.Logging.Compress,
		},
	}); err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logger.Close()
	log := logger.Default()

	var reg prometheus.Registerer = prometheus.NewRegistry()
	metricSet := metrics.NewSet(reg)

	if mountConfig.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg.(*prometheus.Registry), promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(mountConfig.Metrics.Addr, mux); err != nil {
				log.Error("metrics server stopped", "error", err)
			}
		}()
	}

	disp, err := dialDaemon(ctx, mountPoint)
	if err != nil {
		return fmt.Errorf("dialing daemon: %w", err)
	}

	opts := vnodefs.MountOptions{
		ReadOnly:            mountConfig.Mount.ReadOnly,
		NameCacheDisabled:   mountConfig.Cache.NameCacheDisabled,
		HideAppleDouble:     mountConfig.Mount.HideAppleDouble,
		PositiveTTL:         mountConfig.Cache.PositiveTTL,
		NegativeTTL:         mountConfig.Cache.NegativeTTL,
		SyncOnClose:         mountConfig.Mount.SyncOnClose,
		AutoXattr:           mountConfig.Xattr.AutoXattr,
		XattrReservedPrefix: mountConfig.Xattr.ReservedPrefix,
		AllowReservedXattr:  mountConfig.Xattr.Policy == cfg.XattrPolicyAllow,
	}

	mnt := vnodefs.NewMount(disp, opts, clock.RealClock{}, log, metricSet)

	daemonCreds := protocol.Credentials{UID: uint32(os.Getuid()), GID: uint32(os.Getgid()), PID: uint32(os.Getpid())}
	if err := mnt.Init(ctx, daemonCreds); err != nil {
		return fmt.Errorf("INIT handshake failed: %w", err)
	}

	log.Info("mounted", "mountPoint", mountPoint)
	<-ctx.Done()
	mnt.ForceUnmount(context.Background())
	return nil
}

// dialDaemon is the seam a real kernel-facing binary plugs its platform
// mount syscall and wire transport into; this layer treats both as
// opaque collaborators.
func dialDaemon(ctx context.Context, mountPoint string) (transport.Dispatcher, error) {
	return nil, fmt.Errorf("no transport wired for %s: mount syscall and wire codec are outside this layer", mountPoint)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "Path to a YAML config file")
	bindErr = cfg.BindFlags(rootCmd.PersistentFlags())
}

func initConfig() {
	if cfgFile == "" {
		unmarshalErr = viper.Unmarshal(&mountConfig, viper.DecodeHook(cfg.DecodeHook()))
		return
	}

	abs, err := filepath.Abs(cfgFile)
	if err != nil {
		configFileErr = fmt.Errorf("resolving config file path: %w", err)
		return
	}
	viper.SetConfigFile(abs)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		configFileErr = fmt.Errorf("reading config file: %w", err)
		return
	}
	unmarshalErr = viper.Unmarshal(&mountConfig, viper.DecodeHook(cfg.DecodeHook()))
}

func main() {
	Execute()
}
