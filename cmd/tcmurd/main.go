// Command tcmurd is the gateway daemon: it wires together the virtual
// filesystem tree, the backend registry, the device table, the I/O bridge
// and the control channel, then mounts the tree via FUSE, per spec.md §6.
//
// Config/CLI wiring follows gcsfuse's cobra+pflag+viper+mapstructure
// pattern (cmd/root.go): flags are bound into viper, viper decodes into a
// typed Config via mapstructure.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/mitchellh/mapstructure"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/rclone/tcmur/control"
	"github.com/rclone/tcmur/devtable"
	gwfs "github.com/rclone/tcmur/fs"
	"github.com/rclone/tcmur/fusebridge"
	"github.com/rclone/tcmur/iobridge"
	_ "github.com/rclone/tcmur/backend/file"
	_ "github.com/rclone/tcmur/backend/ramdisk"
	"github.com/rclone/tcmur/registry"
	"github.com/rclone/tcmur/vfs"
)

// Config is the gateway's process configuration, per SPEC_FULL.md §6:
// mountpoint, ctl_name, plugin_prefix, metrics_addr. The plugin suffix is
// not configurable; the registry always uses the platform default.
type Config struct {
	Mountpoint   string `mapstructure:"mountpoint"`
	CtlName      string `mapstructure:"ctl_name"`
	PluginPrefix string `mapstructure:"plugin_prefix"`
	MetricsAddr  string `mapstructure:"metrics_addr"`
}

func defaultConfig() Config {
	return Config{
		Mountpoint:   "/tcmur",
		CtlName:      "tcmur",
		PluginPrefix: "/usr/local/lib/tcmu-runner/handler_",
	}
}

var v = viper.New()

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tcmurd",
		Short: "Mount a pluggable block-storage-backend gateway over FUSE",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}

	def := defaultConfig()
	flags := cmd.Flags()
	flags.String("mountpoint", def.Mountpoint, "FUSE mountpoint")
	flags.String("ctl-name", def.CtlName, "control node name under /dev")
	flags.String("plugin-prefix", def.PluginPrefix, "dynamic backend plugin path prefix")
	flags.String("metrics-addr", def.MetricsAddr, "prometheus exporter listen address (empty disables it)")

	return cmd
}

func loadConfig(flags *pflag.FlagSet) (Config, error) {
	if err := v.BindPFlags(flags); err != nil {
		return Config{}, err
	}
	v.SetEnvPrefix("TCMUR")
	v.AutomaticEnv()

	raw := map[string]interface{}{
		"mountpoint":    v.GetString("mountpoint"),
		"ctl_name":      v.GetString("ctl-name"),
		"plugin_prefix": v.GetString("plugin-prefix"),
		"metrics_addr":  v.GetString("metrics-addr"),
	}

	cfg := defaultConfig()
	if err := mapstructure.Decode(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("tcmurd: decoding config: %w", err)
	}
	return cfg, nil
}

// skeleton lays down the standard directories and control node every
// mount starts with, per spec.md §6: /dev, /sys, /sys/module,
// /dev/<ctl-name>.
func skeleton(tree *vfs.Tree, ch *control.Channel, ctlName string) error {
	if _, err := tree.Mkdir("dev", nil); err != nil {
		return err
	}
	sysNode, err := tree.Mkdir("sys", nil)
	if err != nil {
		return err
	}
	if _, err := tree.Mkdir("module", sysNode); err != nil {
		return err
	}
	devNode, err := tree.Lookup("/dev")
	if err != nil {
		return err
	}
	_, err = tree.NodeAdd(ctlName, devNode, vfs.ModeRegular|0664, ch, nil)
	return err
}

func run(cfg Config) error {
	gwfs.Logf(gwfs.Str("tcmurd"), "starting: mountpoint=%s ctl_name=%s", cfg.Mountpoint, cfg.CtlName)

	tree, err := vfs.NewTree(cfg.Mountpoint)
	if err != nil {
		return fmt.Errorf("tcmurd: tree_init: %w", err)
	}

	reg := registry.New(cfg.PluginPrefix, nil)
	dt := devtable.New(reg)
	bridge := iobridge.New(dt)
	ch := control.New(tree, reg, dt, bridge)

	if err := skeleton(tree, ch, cfg.CtlName); err != nil {
		return fmt.Errorf("tcmurd: building skeleton: %w", err)
	}

	if err := ensureMountpoint(cfg.Mountpoint); err != nil {
		return fmt.Errorf("tcmurd: mountpoint: %w", err)
	}

	if cfg.MetricsAddr != "" {
		startMetricsServer(cfg.MetricsAddr)
	}

	server, err := fusebridge.Mount(cfg.Mountpoint, tree)
	if err != nil {
		return fmt.Errorf("tcmurd: mount: %w", err)
	}
	gwfs.Logf(gwfs.Str("tcmurd"), "mounted at %s", cfg.Mountpoint)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		gwfs.Logf(gwfs.Str("tcmurd"), "received signal %s, shutting down", s)
	case <-ch.Exited():
		gwfs.Logf(gwfs.Str("tcmurd"), "control channel requested exit")
	}

	return shutdown(tree, reg, server, cfg.CtlName)
}

// shutdown implements spec.md §5's lifecycle contract: stop the event
// loop, remove all control-created subtrees if empty, tear down the tree,
// then release the registry (which refuses if backends remain).
func shutdown(tree *vfs.Tree, reg *registry.Registry, server *fuse.Server, ctlName string) error {
	if err := server.Unmount(); err != nil {
		gwfs.Errorf(gwfs.Str("tcmurd"), "unmount: %v", err)
	}

	devNode, err := tree.Lookup("/dev")
	if err == nil {
		_ = tree.NodeRemove(ctlName, devNode)
	}
	_ = tree.NodeRemove("module", mustLookup(tree, "/sys"))
	_ = tree.NodeRemove("dev", nil)
	_ = tree.NodeRemove("sys", nil)

	if err := tree.Exit(); err != nil {
		return fmt.Errorf("tcmurd: tree_exit: %w", err)
	}

	if reg.Len() != 0 {
		return fmt.Errorf("tcmurd: %d backend(s) still loaded at shutdown", reg.Len())
	}
	gwfs.Logf(gwfs.Str("tcmurd"), "clean shutdown")
	return nil
}

// ensureMountpoint creates the mount directory if it doesn't exist yet, per
// spec.md §6 ("Mountpoint directory is created at startup if missing (with
// chmod 777 if root)"). An existing directory is left untouched.
func ensureMountpoint(path string) error {
	info, err := os.Stat(path)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("%s: not a directory", path)
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return err
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return err
	}
	if os.Geteuid() == 0 {
		return os.Chmod(path, 0777)
	}
	return nil
}

// startMetricsServer exposes devtable's per-device prometheus gauges on
// addr. It runs in the background; a listen failure is logged, not fatal —
// a gateway shouldn't refuse to mount just because its metrics port is taken.
func startMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			gwfs.Errorf(gwfs.Str("tcmurd"), "metrics server on %s: %v", addr, err)
		}
	}()
	gwfs.Logf(gwfs.Str("tcmurd"), "metrics exposed on %s/metrics", addr)
}

func mustLookup(tree *vfs.Tree, path string) *vfs.Node {
	n, err := tree.Lookup(path)
	if err != nil {
		return nil
	}
	return n
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		gwfs.Errorf(gwfs.Str("tcmurd"), "%v", err)
		os.Exit(1)
	}
}
