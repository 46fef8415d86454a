// Package main provides sealctl, the command-line companion to the sealml
// server. keygen, protect and unprotect work locally with the same key
// resolution as the server; the remaining commands call a running server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/awnumar/memguard"
	"github.com/spf13/pflag"

	"github.com/haukened/sealml/internal/archive"
	"github.com/haukened/sealml/internal/cipher"
	"github.com/haukened/sealml/internal/client"
	"github.com/haukened/sealml/internal/config"
	"github.com/haukened/sealml/internal/keystore"
	"github.com/haukened/sealml/internal/protect"
)

// errUsage marks command-line mistakes; main exits 2 for them.
var errUsage = errors.New("usage")

// env carries the process streams so commands can be tested.
type env struct {
	stdout io.Writer
	stderr io.Writer
}

type command struct {
	summary string
	args    string
	nargs   int
	flags   func(fs *pflag.FlagSet)
	run     func(ctx context.Context, e env, cfg *config.Config, fs *pflag.FlagSet, args []string) error
}

var commands = map[string]command{
	"keygen": {
		summary: "resolve the key, generating the key file if needed",
		run:     runKeygen,
	},
	"protect": {
		summary: "archive and encrypt a file locally",
		args:    "<file>",
		nargs:   1,
		flags:   outFlag,
		run:     runProtect,
	},
	"unprotect": {
		summary: "decrypt a protected file locally",
		args:    "<file.zip.enc>",
		nargs:   1,
		flags:   outFlag,
		run:     runUnprotect,
	},
	"train": {
		summary: "upload a training CSV to the server",
		args:    "<file.csv>",
		nargs:   1,
		flags:   func(fs *pflag.FlagSet) { fs.String("name", "", "artifact name (default: file base name)") },
		run:     runTrain,
	},
	"predict": {
		summary: "score a CSV on the server and save the protected predictions",
		args:    "<file.csv>",
		nargs:   1,
		flags: func(fs *pflag.FlagSet) {
			outFlag(fs)
			fs.Bool("labeled", false, "input carries the target column; report MSE")
		},
		run: runPredict,
	},
	"reset": {
		summary: "discard the server's trained model",
		run:     runReset,
	},
	"list": {
		summary: "list stored artifacts",
		run:     runList,
	},
	"fetch": {
		summary: "download a stored artifact",
		args:    "<id>",
		nargs:   1,
		flags:   outFlag,
		run:     runFetch,
	},
	"delete": {
		summary: "delete a stored artifact",
		args:    "<id>",
		nargs:   1,
		run:     runDelete,
	},
}

func outFlag(fs *pflag.FlagSet) {
	fs.StringP("out", "o", "", "output path (default: derived from the input)")
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: sealctl <command> [flags] [args]")
	fmt.Fprintln(w)
	names := make([]string, 0, len(commands))
	for n := range commands {
		names = append(names, n)
	}
	sort.Strings(names)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, n := range names {
		c := commands[n]
		fmt.Fprintf(tw, "  %s %s\t%s\n", n, c.args, c.summary)
	}
	_ = tw.Flush()
	fmt.Fprintln(w, "\nRun 'sealctl <command> --help' for flags.")
}

func run(ctx context.Context, e env, args []string) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		usage(e.stderr)
		if len(args) == 0 {
			return errUsage
		}
		return nil
	}
	name := args[0]
	cmd, ok := commands[name]
	if !ok {
		usage(e.stderr)
		return fmt.Errorf("%w: unknown command %q", errUsage, name)
	}
	fs := pflag.NewFlagSet("sealctl "+name, pflag.ContinueOnError)
	fs.SetOutput(e.stderr)
	config.BindFlags(fs)
	if cmd.flags != nil {
		cmd.flags(fs)
	}
	if err := fs.Parse(args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() != cmd.nargs {
		return fmt.Errorf("%w: sealctl %s %s", errUsage, name, cmd.args)
	}
	cfg, err := config.LoadWithFlags(fs)
	if err != nil {
		return err
	}
	slog.SetDefault(cfg.Logger())
	return cmd.run(ctx, e, cfg, fs, fs.Args())
}

func newKeys(cfg *config.Config, scheme cipher.Scheme) (*keystore.Store, error) {
	return keystore.New(cfg.KeyPath(), scheme,
		keystore.WithSource(keystore.EnvSource{Name: cfg.KeyEnv}),
		keystore.WithSource(keystore.FileSource{Path: cfg.KeySecretFile}),
		keystore.WithLogger(slog.Default()),
	)
}

func newProtector(cfg *config.Config) (*protect.Protector, error) {
	scheme, err := cipher.New(cfg.Scheme, slog.Default())
	if err != nil {
		return nil, err
	}
	keys, err := newKeys(cfg, scheme)
	if err != nil {
		return nil, err
	}
	return protect.New(keys, scheme,
		protect.WithCodec(archive.Codec{MaxEntrySize: cfg.MaxBytes}),
		protect.WithLogger(slog.Default()),
	)
}

func newClient(cfg *config.Config) *client.Client {
	return client.New(client.Config{BaseURL: cfg.ServerURL})
}

// outPath returns the --out flag or def placed next to the input.
func outPath(fs *pflag.FlagSet, input, def string) string {
	if out, _ := fs.GetString("out"); out != "" {
		return out
	}
	return filepath.Join(filepath.Dir(input), def)
}

// writeOut creates path exclusively so existing files are never replaced.
func writeOut(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600) // #nosec G304 user-chosen output
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func runKeygen(_ context.Context, e env, cfg *config.Config, _ *pflag.FlagSet, _ []string) error {
	scheme, err := cipher.New(cfg.Scheme, slog.Default())
	if err != nil {
		return err
	}
	keys, err := newKeys(cfg, scheme)
	if err != nil {
		return err
	}
	if _, err := keys.Key(); err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "key ready: scheme=%s origin=%s path=%s\n", scheme.Name(), keys.Origin(), keys.Path())
	return nil
}

func runProtect(_ context.Context, e env, cfg *config.Config, fs *pflag.FlagSet, args []string) error {
	data, err := os.ReadFile(args[0]) // #nosec G304 user-chosen input
	if err != nil {
		return err
	}
	prot, err := newProtector(cfg)
	if err != nil {
		return err
	}
	name := filepath.Base(args[0])
	blob, err := prot.Protect(name, data)
	if err != nil {
		return err
	}
	out := outPath(fs, args[0], protect.FileName(name))
	if err := writeOut(out, blob); err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "protected %s -> %s (%d bytes)\n", name, out, len(blob))
	return nil
}

func runUnprotect(_ context.Context, e env, cfg *config.Config, fs *pflag.FlagSet, args []string) error {
	blob, err := os.ReadFile(args[0]) // #nosec G304 user-chosen input
	if err != nil {
		return err
	}
	prot, err := newProtector(cfg)
	if err != nil {
		return err
	}
	res, err := prot.Unprotect(blob)
	if err != nil {
		return err
	}
	if len(res.Extras) > 0 {
		fmt.Fprintf(e.stderr, "warning: archive held %d extra entries, only %s was extracted\n", len(res.Extras), res.Name)
	}
	// Archive names are untrusted; only the base name is used.
	out := outPath(fs, args[0], filepath.Base(res.Name))
	if err := writeOut(out, res.Payload); err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "unprotected %s -> %s (%d bytes)\n", filepath.Base(args[0]), out, len(res.Payload))
	return nil
}

func runTrain(ctx context.Context, e env, cfg *config.Config, fs *pflag.FlagSet, args []string) error {
	data, err := os.ReadFile(args[0]) // #nosec G304 user-chosen input
	if err != nil {
		return err
	}
	name, _ := fs.GetString("name")
	if name == "" {
		name = filepath.Base(args[0])
	}
	res, err := newClient(cfg).Train(ctx, name, data)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "model trained: mse=%g artifact=%s\n", res.MSE, res.Artifact.ID)
	return nil
}

func runPredict(ctx context.Context, e env, cfg *config.Config, fs *pflag.FlagSet, args []string) error {
	data, err := os.ReadFile(args[0]) // #nosec G304 user-chosen input
	if err != nil {
		return err
	}
	labeled, _ := fs.GetBool("labeled")
	p, err := newClient(cfg).Predict(ctx, data, labeled)
	if err != nil {
		return err
	}
	out := outPath(fs, args[0], filepath.Base(p.Name))
	if err := writeOut(out, p.Blob); err != nil {
		return err
	}
	msg := fmt.Sprintf("predictions: rows=%d artifact=%s -> %s", p.Rows, p.ArtifactID, out)
	if p.MSE != nil {
		msg += " mse=" + strconv.FormatFloat(*p.MSE, 'g', -1, 64)
	}
	fmt.Fprintln(e.stdout, msg)
	return nil
}

func runReset(ctx context.Context, e env, cfg *config.Config, _ *pflag.FlagSet, _ []string) error {
	if err := newClient(cfg).ResetModel(ctx); err != nil {
		return err
	}
	fmt.Fprintln(e.stdout, "model reset")
	return nil
}

func runList(ctx context.Context, e env, cfg *config.Config, _ *pflag.FlagSet, _ []string) error {
	list, err := newClient(cfg).List(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(e.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tKIND\tSIZE\tCREATED\tEXPIRES")
	for _, m := range list {
		expires := "never"
		if !m.ExpiresAt.IsZero() {
			expires = m.ExpiresAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", m.ID, m.Name, m.Kind, m.Size, m.CreatedAt.Format(time.RFC3339), expires)
	}
	return tw.Flush()
}

func runFetch(ctx context.Context, e env, cfg *config.Config, fs *pflag.FlagSet, args []string) error {
	d, err := newClient(cfg).Fetch(ctx, args[0])
	if err != nil {
		return err
	}
	name := filepath.Base(d.Name)
	if name == "." || name == string(filepath.Separator) {
		name = args[0] + "." + archive.Ext + "." + cipher.Ext
	}
	out := outPath(fs, ".", name)
	if err := writeOut(out, d.Blob); err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "fetched %s -> %s (%d bytes)\n", args[0], out, len(d.Blob))
	return nil
}

func runDelete(ctx context.Context, e env, cfg *config.Config, _ *pflag.FlagSet, args []string) error {
	if err := newClient(cfg).Delete(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "deleted %s\n", args[0])
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, env{stdout: os.Stdout, stderr: os.Stderr}, os.Args[1:])
	stop()
	memguard.Purge()
	switch {
	case err == nil:
	case errors.Is(err, errUsage):
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	default:
		fmt.Fprintln(os.Stderr, "sealctl:", err)
		os.Exit(1)
	}
}
