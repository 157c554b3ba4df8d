package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/devrev/swimfs/internal/admin"
)

const usage = `commands:
  join <slot>            join the group through the node at slot
  leave                  leave the group and exit
  id                     print this node's identity
  list                   print the membership table
  put <local> <name>     store a local file
  get <name> <local>     fetch a file into a local path
  delete <name>          delete a file
  store                  list files held on this node
  ls <name>              list the nodes holding a file
  ring                   print the alive ring slots
  next                   print the ring successor
  prefix <dir>           list stored files starting with dir`

// console runs operator commands read line by line against the local node
type console struct {
	node   admin.Node
	out    io.Writer
	exit   func()
	logger *zap.Logger
}

func newConsole(n admin.Node, out io.Writer, exit func(), logger *zap.Logger) *console {
	return &console{node: n, out: out, exit: exit, logger: logger}
}

func (c *console) run(ctx context.Context, in io.Reader) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		if done := c.exec(ctx, strings.Fields(scanner.Text())); done {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		c.logger.Warn("Console input failed", zap.Error(err))
	}
}

// exec runs one command and reports whether the console should stop
func (c *console) exec(ctx context.Context, args []string) bool {
	if len(args) == 0 {
		return false
	}

	var err error
	switch {
	case args[0] == "join" && len(args) == 2:
		var slot int
		if slot, err = strconv.Atoi(args[1]); err == nil {
			err = c.node.Join(ctx, slot)
		}
	case args[0] == "leave" && len(args) == 1:
		if err = c.node.Leave(); err == nil {
			fmt.Fprintln(c.out, "left the group")
			c.exit()
			return true
		}
	case args[0] == "id" && len(args) == 1:
		self := c.node.Self()
		fmt.Fprintf(c.out, "slot %d birth %d addr %s state %s\n", self.Slot, self.BirthTime, self.Addr, c.node.State())
	case args[0] == "list" && len(args) == 1:
		for _, m := range c.node.Members() {
			fmt.Fprintf(c.out, "slot %2d  birth %d  addr %s\n", m.Slot, m.BirthTime, m.Addr)
		}
	case args[0] == "put" && len(args) == 3:
		err = c.node.Put(ctx, args[1], args[2])
	case args[0] == "get" && len(args) == 3:
		err = c.node.Get(ctx, args[1], args[2])
	case args[0] == "delete" && len(args) == 2:
		err = c.node.Delete(ctx, args[1])
	case args[0] == "store" && len(args) == 1:
		for _, rec := range c.node.LocalFiles() {
			fmt.Fprintf(c.out, "%-9s %10d %08x %s\n", rec.Role, rec.Size, rec.Checksum, rec.Name)
		}
	case args[0] == "ls" && len(args) == 2:
		replicas, lerr := c.node.Locate(ctx, args[1])
		for _, r := range replicas {
			fmt.Fprintf(c.out, "slot %2d  %s\n", r.Slot, r.Role)
		}
		err = lerr
	case args[0] == "ring" && len(args) == 1:
		fmt.Fprintln(c.out, strings.Trim(fmt.Sprint(c.node.AliveSlots()), "[]"))
	case args[0] == "next" && len(args) == 1:
		fmt.Fprintln(c.out, c.node.Successor())
	case args[0] == "prefix" && len(args) == 2:
		names, perr := c.node.ListPrefix(ctx, args[1])
		for _, name := range names {
			fmt.Fprintln(c.out, name)
		}
		err = perr
	default:
		fmt.Fprintln(c.out, usage)
		return false
	}

	if err != nil {
		fmt.Fprintf(c.out, "error: %v\n", err)
	}
	return false
}
