// Package control implements the control channel (CC): a write-driven,
// line-oriented command interpreter bound to a designated filesystem node,
// per spec.md §4.5.
package control

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rclone/tcmur/devtable"
	gwfs "github.com/rclone/tcmur/fs"
	"github.com/rclone/tcmur/iobridge"
	"github.com/rclone/tcmur/registry"
	"github.com/rclone/tcmur/vfs"
)

// DefaultSourceCap is the default maximum size of a file read by `source`,
// per spec.md §4.5.
const DefaultSourceCap = 4 * 1024

// exitDelay is how long `exit` waits before signaling termination, giving
// the write() call that issued it time to return its reply.
const exitDelay = 50 * time.Millisecond

// Channel is the CC: it reconfigures BR/DT/VFT in response to commands
// written to its bound node, and answers reads with the current tree dump.
type Channel struct {
	gwfs.NopOps // supplies Open/Release/Fsync; Read/Write are overridden below

	Tree     *vfs.Tree
	Registry *registry.Registry
	Devices  *devtable.Table
	Bridge   *iobridge.Bridge

	SourceCap int64

	exitOnce chan struct{}
}

// New constructs a Channel wired to the given subsystems.
func New(tree *vfs.Tree, reg *registry.Registry, dt *devtable.Table, bridge *iobridge.Bridge) *Channel {
	return &Channel{
		Tree:      tree,
		Registry:  reg,
		Devices:   dt,
		Bridge:    bridge,
		SourceCap: DefaultSourceCap,
		exitOnce:  make(chan struct{}),
	}
}

// Exited is closed once `exit` has been processed; main selects on it to
// begin shutdown.
func (c *Channel) Exited() <-chan struct{} { return c.exitOnce }

// commandFunc runs one parsed command line.
type commandFunc func(c *Channel, args []string) error

var commands = map[string]commandFunc{
	"load":   (*Channel).cmdLoad,
	"unload": (*Channel).cmdUnload,
	"add":    (*Channel).cmdAdd,
	"remove": (*Channel).cmdRemove,
	"source": (*Channel).cmdSource,
	"dump":   (*Channel).cmdDump,
	"exit":   (*Channel).cmdExit,
	"echo":   (*Channel).cmdEcho,
}

// resolve matches token against the command table by case-insensitive
// initial-substring, per spec.md §4.5. Ambiguous or empty tokens fail.
func resolve(token string) (string, commandFunc, bool) {
	token = strings.ToLower(token)
	var matchName string
	var matchFn commandFunc
	n := 0
	for name, fn := range commands {
		if strings.HasPrefix(name, token) {
			matchName, matchFn = name, fn
			n++
		}
	}
	if n != 1 {
		return "", nil, false
	}
	return matchName, matchFn, true
}

// Write implements the control node's write op: it parses lines out of
// buf, running each as a command, and always reports the full input
// consumed — errors are logged, never returned to the writer, per spec.md
// §4.5 ("the write always returns its input length so the writer sees a
// successful write").
func (c *Channel) Write(private interface{}, buf []byte, offset int64) (int, error) {
	c.runLines(string(buf))
	return len(buf), nil
}

func (c *Channel) runLines(text string) {
	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		c.runLine(sc.Text())
	}
}

func (c *Channel) runLine(line string) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return
	}
	fields := strings.Fields(line)
	name, fn, ok := resolve(fields[0])
	if !ok {
		gwfs.Errorf(gwfs.Str("control"), "unrecognized command: %q", line)
		return
	}
	if err := fn(c, fields[1:]); err != nil {
		gwfs.Errorf(gwfs.Str("control"), "%s: %v", name, err)
		return
	}
	gwfs.Logf(gwfs.Str("control"), "%s: ok", name)
}

// Read implements the control node's read op: the current tree dump.
func (c *Channel) Read(private interface{}, buf []byte, offset int64) (int, error) {
	dump := c.Tree.Fmt()
	if offset >= int64(len(dump)) {
		return 0, nil
	}
	n := copy(buf, dump[offset:])
	return n, nil
}

func (c *Channel) cmdLoad(args []string) error {
	if len(args) != 1 {
		return gwfs.ErrInvalid
	}
	subtype := args[0]
	if err := c.Registry.Load(subtype); err != nil {
		return err
	}
	_, err := c.Tree.Mkdir(subtype, c.sysModule())
	return err
}

func (c *Channel) cmdUnload(args []string) error {
	if len(args) != 1 {
		return gwfs.ErrInvalid
	}
	subtype := args[0]
	if err := c.Registry.Unload(subtype); err != nil {
		return err
	}
	return c.Tree.Rmdir(subtype, c.sysModule())
}

func (c *Channel) cmdAdd(args []string) error {
	if len(args) != 2 {
		return gwfs.ErrInvalid
	}
	minor, err := strconv.Atoi(args[0])
	if err != nil {
		return gwfs.ErrInvalid
	}
	cfgstring := args[1]

	d, err := c.Devices.DeviceAdd(context.Background(), minor, "", cfgstring)
	if err != nil {
		return err
	}

	size := d.Geometry.NumLBAs * uint64(d.Geometry.BlockSize)
	ops := iobridge.DeviceOps{Bridge: c.Bridge}
	n, err := c.Tree.NodeAdd(d.Devname, c.devDir(), vfs.ModeBlock|0664, ops, d.Minor)
	if err != nil {
		_ = c.Devices.DeviceRemove(minor)
		return err
	}
	c.Tree.NodeUpdateSize(n, size)
	_ = c.Tree.NodeUpdateBlockSize(n, d.Geometry.BlockSize)
	return nil
}

func (c *Channel) cmdRemove(args []string) error {
	if len(args) != 1 {
		return gwfs.ErrInvalid
	}
	minor, err := strconv.Atoi(args[0])
	if err != nil {
		return gwfs.ErrInvalid
	}
	devname, err := c.Devices.GetDevName(minor)
	if err != nil {
		return err
	}
	if err := c.Tree.NodeRemove(devname, c.devDir()); err != nil {
		return err
	}
	c.Bridge.StopWorker(minor)
	return c.Devices.DeviceRemove(minor)
}

func (c *Channel) cmdSource(args []string) error {
	if len(args) != 1 {
		return gwfs.ErrInvalid
	}
	f, err := os.Open(args[0])
	if err != nil {
		return gwfs.ErrNotFound
	}
	defer f.Close()

	limit := c.SourceCap
	if limit <= 0 {
		limit = DefaultSourceCap
	}
	data, err := io.ReadAll(io.LimitReader(f, limit))
	if err != nil {
		return gwfs.ErrIOError
	}
	c.runLines(string(data))
	return nil
}

func (c *Channel) cmdDump(args []string) error {
	fmt.Fprint(os.Stderr, c.Tree.Fmt())
	return nil
}

func (c *Channel) cmdExit(args []string) error {
	go func() {
		time.Sleep(exitDelay)
		close(c.exitOnce)
	}()
	return nil
}

func (c *Channel) cmdEcho(args []string) error {
	fmt.Fprintln(os.Stderr, strings.Join(args, " "))
	return nil
}

func (c *Channel) sysModule() *vfs.Node {
	n, err := c.Tree.Lookup("/sys/module")
	if err != nil {
		return nil
	}
	return n
}

func (c *Channel) devDir() *vfs.Node {
	n, err := c.Tree.Lookup("/dev")
	if err != nil {
		return nil
	}
	return n
}
