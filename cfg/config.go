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

package cfg

import (
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the full set of flag/YAML-bound knobs mountvnode accepts.
type Config struct {
	Mount   MountOptionsConfig `yaml:"mount"`
	Logging LoggingConfig      `yaml:"logging"`
	Cache   CacheConfig        `yaml:"cache"`
	Xattr   XattrConfig        `yaml:"xattr"`
	Metrics MetricsConfig      `yaml:"metrics"`
}

type MountOptionsConfig struct {
	ReadOnly          bool  `yaml:"read-only"`
	DirMode           Octal `yaml:"dir-mode"`
	FileMode          Octal `yaml:"file-mode"`
	Uid               int   `yaml:"uid"`
	Gid               int   `yaml:"gid"`
	HideAppleDouble   bool  `yaml:"hide-apple-double"`
	SyncOnClose       bool  `yaml:"sync-on-close"`
}

type LoggingConfig struct {
	Severity LogSeverity `yaml:"severity"`
	Format   string      `yaml:"format"`
	FilePath string      `yaml:"file-path"`

	MaxFileSizeMB   int  `yaml:"max-file-size-mb"`
	BackupFileCount int  `yaml:"backup-file-count"`
	Compress        bool `yaml:"compress"`
}

type CacheConfig struct {
	NameCacheDisabled bool          `yaml:"name-cache-disabled"`
	PositiveTTL       time.Duration `yaml:"positive-ttl"`
	NegativeTTL       time.Duration `yaml:"negative-ttl"`
}

type XattrConfig struct {
	AutoXattr       bool        `yaml:"auto-xattr"`
	Policy          XattrPolicy `yaml:"policy"`
	ReservedPrefix  string      `yaml:"reserved-prefix"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// BindFlags registers every flag on flagSet and binds it into viper under
// the matching dotted key, so a value may arrive from the command line or
// the YAML config file, with the command line taking precedence.
// Environment variables are not consulted.
func BindFlags(flagSet *pflag.FlagSet) error {
	bind := func(key string, bindErr *error) {
		if *bindErr != nil {
			return
		}
		*bindErr = viper.BindPFlag(key, flagSet.Lookup(key))
	}

	flagSet.Bool("mount.read-only", false, "Mount the bridge read-only.")
	flagSet.String("mount.dir-mode", "755", "Octal directory mode fallback; decoded but not applied to the mount.")
	flagSet.String("mount.file-mode", "644", "Octal file mode fallback; decoded but not applied to the mount.")
	flagSet.Int("mount.uid", -1, "Owner uid override; decoded but not applied to the mount.")
	flagSet.Int("mount.gid", -1, "Owner gid override; decoded but not applied to the mount.")
	flagSet.Bool("mount.hide-apple-double", false, "Reject lookups for \"._\"-prefixed names.")
	flagSet.Bool("mount.sync-on-close", true, "Flush dirty buffers synchronously on close.")

	flagSet.String("logging.severity", string(InfoLogSeverity), "Minimum severity logged.")
	flagSet.String("logging.format", "text", "Log format: text or json.")
	flagSet.String("logging.file-path", "", "Log file path; empty logs to stdout.")
	flagSet.Int("logging.max-file-size-mb", 512, "Log file rotation size threshold.")
	flagSet.Int("logging.backup-file-count", 10, "Rotated log files retained.")
	flagSet.Bool("logging.compress", false, "gzip rotated log files.")

	flagSet.Bool("cache.name-cache-disabled", false, "Disable the dentry name cache.")
	flagSet.Duration("cache.positive-ttl", time.Second, "Positive dentry cache TTL.")
	flagSet.Duration("cache.negative-ttl", 5*time.Second, "Negative dentry cache TTL.")

	flagSet.Bool("xattr.auto-xattr", false, "Short-circuit all xattr RPCs.")
	flagSet.String("xattr.policy", string(XattrPolicyHide), "Reserved-namespace xattr policy: hide or allow.")
	flagSet.String("xattr.reserved-prefix", "system.", "Host-reserved xattr namespace prefix.")

	flagSet.Bool("metrics.enabled", false, "Serve Prometheus metrics.")
	flagSet.String("metrics.addr", ":9157", "Metrics listen address.")

	var err error
	for _, key := range []string{
		"mount.read-only", "mount.dir-mode", "mount.file-mode", "mount.uid", "mount.gid",
		"mount.hide-apple-double", "mount.sync-on-close",
		"logging.severity", "logging.format", "logging.file-path",
		"logging.max-file-size-mb", "logging.backup-file-count", "logging.compress",
		"cache.name-cache-disabled", "cache.positive-ttl", "cache.negative-ttl",
		"xattr.auto-xattr", "xattr.policy", "xattr.reserved-prefix",
		"metrics.enabled", "metrics.addr",
	} {
		bind(key, &err)
	}
	return err
}
