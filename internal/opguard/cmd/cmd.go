// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

// Package cmd holds the opguard command line.
package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/innovationmech/opguard/internal/opguard/config"
	pkgconfig "github.com/innovationmech/opguard/pkg/config"
	"github.com/innovationmech/opguard/pkg/logger"
)

// Version is overridden at build time with -ldflags "-X ...cmd.Version=".
var Version = "0.1.0"

type globalFlags struct {
	configFile string
	env        string
	workDir    string
}

// NewRootCommand builds the opguard command tree.
func NewRootCommand() *cobra.Command {
	flags := &globalFlags{}
	cmds := &cobra.Command{
		Use:           "opguard",
		Short:         "Idempotent operations and saga orchestration service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmds.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "", "configuration file (replaces opguard.yaml)")
	cmds.PersistentFlags().StringVarP(&flags.env, "env", "e", "", "environment name, loads opguard.<env>.yaml")
	cmds.PersistentFlags().StringVar(&flags.workDir, "workdir", "", "directory searched for configuration files")

	cmds.AddCommand(newServeCommand(flags))
	cmds.AddCommand(newCleanupCommand(flags))
	cmds.AddCommand(newHealthCommand(flags))
	cmds.AddCommand(newVersionCommand())
	return cmds
}

// loadConfig reads the layered configuration and applies the logging section.
func (f *globalFlags) loadConfig() (*config.Config, *pkgconfig.Manager, error) {
	opts := pkgconfig.DefaultOptions()
	if f.workDir != "" {
		opts.WorkDir = f.workDir
	}
	opts.ConfigFile = f.configFile
	opts.EnvironmentName = f.env

	cfg, m, err := config.Open(opts)
	if err != nil {
		return nil, nil, err
	}
	logger.Configure(logger.Options{Level: cfg.Logging.Level, Development: cfg.Logging.Development})
	logger.GetLogger().Debug("configuration loaded", zap.Strings("files", m.LoadedFiles()))
	return cfg, m, nil
}
