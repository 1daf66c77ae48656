// Command klt builds a container image by layering a local directory on
// top of an existing remote base image and publishes the result to a
// target registry, per a TOML recipe.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/max-te/kleinladungstraeger/pkg/assembler"
	"github.com/max-te/kleinladungstraeger/pkg/errdefs"
	"github.com/max-te/kleinladungstraeger/pkg/ocidist/remote"
	"github.com/max-te/kleinladungstraeger/pkg/ocispec"
	"github.com/max-te/kleinladungstraeger/pkg/ocispec/authn"
	"github.com/max-te/kleinladungstraeger/pkg/recipe"
	"github.com/max-te/kleinladungstraeger/pkg/xlog"
)

const appName = "klt"

func main() {
	var digestFile string
	var verbose bool
	var logFormat string

	app := &cli.Command{
		Name:      appName,
		Usage:     "layer a local directory onto a remote base image and publish the result",
		ArgsUsage: "RECIPE.toml",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "digest-file",
				Usage:       "write the published manifest digest to PATH",
				Destination: &digestFile,
			},
			&cli.BoolFlag{
				Name:        "verbose",
				Aliases:     []string{"v"},
				Sources:     cli.EnvVars("KLT_VERBOSE"),
				Usage:       "enable debug logging",
				Destination: &verbose,
			},
			&cli.StringFlag{
				Name:        "log-format",
				Usage:       "log output format: text or json",
				Value:       "text",
				Destination: &logFormat,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return cli.Exit("expected exactly one RECIPE.toml argument", 2)
			}
			return run(ctx, cmd.Args().First(), digestFile, verbose, logFormat)
		},
		ExitErrHandler: func(_ context.Context, c *cli.Command, err error) {
			if err == nil {
				return
			}
			cli.HandleExitCoder(err)
			fmt.Fprintf(c.ErrWriter, "%s: %v\n", appName, err)
			os.Exit(exitCode(err))
		},
	}

	//nolint:errcheck // already handled in ExitErrHandler
	_ = app.Run(context.Background(), os.Args)
}

func run(ctx context.Context, recipePath, digestFile string, verbose bool, logFormat string) error {
	cfg := xlog.NewConfig()
	if verbose {
		cfg.Level = slog.LevelDebug
	}
	if logFormat != "" {
		cfg.Format = logFormat
	}
	logger := xlog.New(cfg)
	xlog.SetDefault(logger)
	ctx = xlog.WithLogger(ctx, logger)

	r, err := recipe.Load(recipePath)
	if err != nil {
		return err
	}

	baseRef, err := ocispec.ParseReference(r.Base.Reference())
	if err != nil {
		return err
	}
	targetHost := r.Target.Registry

	baseClient := remote.NewClient(authProviderFor(baseRef.Host, r.Base.Auth))
	targetClient := remote.NewClient(authProviderFor(targetHost, r.Target.Auth))

	baseSpec := remote.NewRepository(baseClient, schemeFor(baseRef.Host)+"://"+baseRef.Host, baseRef.Repo)
	targetSpec := remote.NewRepository(targetClient, schemeFor(targetHost)+"://"+targetHost, r.Target.Repo)

	publishedDigest, err := assembler.BuildAndPublish(ctx, r, baseSpec, targetSpec, baseRef.Repo, assembler.Options{})
	if err != nil {
		return err
	}
	logger.Infof("published %s", publishedDigest)

	if digestFile != "" {
		if err := writeDigestFile(digestFile, publishedDigest.String()); err != nil {
			return err
		}
	}
	return nil
}

// authProviderFor scopes auth to the host it was configured for, so a
// base credential never leaks onto a request bound for the target
// registry (or vice versa) when both happen to route through the same
// remote.Client type.
func authProviderFor(host string, auth *recipe.AuthEntry) remote.AuthProvider {
	return func(_ context.Context, requestHost string) authn.AuthConfig {
		if auth == nil || requestHost != host {
			return authn.AuthConfig{}
		}
		return authn.AuthConfig{Username: auth.User, Password: auth.Secret}
	}
}

// schemeFor allows plain HTTP only against a loopback host, matching the
// recipe surface's lack of any other way to opt out of TLS.
func schemeFor(host string) string {
	h := host
	if hostOnly, _, err := net.SplitHostPort(host); err == nil {
		h = hostOnly
	}
	switch h {
	case "localhost", "127.0.0.1", "::1":
		return "http"
	default:
		return "https"
	}
}

func writeDigestFile(path, digest string) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(digest), 0o644); err != nil {
		return errdefs.NewE(errdefs.ErrInvalidParameter, err)
	}
	return os.Rename(tmp, path)
}

// exitCode maps an error's errdefs kind to a stable non-zero exit code.
func exitCode(err error) int {
	switch {
	case errors.Is(err, errdefs.ErrInvalidParameter):
		return 2
	case errors.Is(err, errdefs.ErrUnauthorized):
		return 3
	case errors.Is(err, errdefs.ErrNotFound), errors.Is(err, errdefs.ErrPlatformNotFound):
		return 4
	case errors.Is(err, errdefs.ErrDigestMismatch), errors.Is(err, errdefs.ErrConflict):
		return 5
	case errors.Is(err, errdefs.ErrLayerBuild):
		return 6
	default:
		return 1
	}
}
