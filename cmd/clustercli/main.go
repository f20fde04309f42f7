// cmd/clustercli/main.go
//
// clustercli - interactive shell over a single paginated record cluster.
//
// Usage:
//
//	clustercli [data-dir]
//
// If no directory is given, a temporary one is used and discarded on exit.
// Enter ".help" for the command list.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"clusterstore/pkg/atomicops"
	"clusterstore/pkg/clustercfg"
	"clusterstore/pkg/clustercli"
	"clusterstore/pkg/cluster"
	"clusterstore/pkg/pagecache"
)

const clusterName = "default"

func main() {
	dir := ""
	if len(os.Args) > 1 {
		dir = os.Args[1]
	} else {
		tmp, err := os.MkdirTemp("", "clustercli-*")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	}

	repl, err := newREPL(dir, os.Stdin, os.Stdout, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening cluster: %v\n", err)
		os.Exit(1)
	}
	defer repl.Close()

	repl.Run()
}

// repl drives a single PaginatedCluster from dot-free, line-oriented
// commands (put/get/update/delete/hide/recycle/alloc/scan/stat) plus the
// usual dot commands (.help, .exit).
type repl struct {
	cache   *pagecache.Cache
	manager *atomicops.Manager
	c       *cluster.PaginatedCluster

	shell         *clustercli.Shell
	output        *os.File
	errOutput     *os.File
	running       bool
	exitRequested bool
}

func newREPL(dir string, input *os.File, output, errOutput *os.File) (*repl, error) {
	cache := pagecache.New(pagecache.Options{PageSize: 4096})
	manager, err := atomicops.Open(cache, filepath.Join(dir, clusterName+".atop"))
	if err != nil {
		return nil, fmt.Errorf("opening atomic-operations log: %w", err)
	}

	cfg := clustercfg.New(1, clusterName)
	c, err := cluster.Configure(cfg, cluster.Options{Cache: cache, Manager: manager, Dir: dir})
	if err != nil {
		manager.Close()
		return nil, err
	}

	if _, statErr := os.Stat(filepath.Join(dir, clusterName+".pcl")); statErr == nil {
		err = c.Open()
	} else {
		err = c.Create(1)
	}
	if err != nil {
		manager.Close()
		return nil, err
	}

	return &repl{
		cache:     cache,
		manager:   manager,
		c:         c,
		shell:     clustercli.NewShell(input, output, errOutput),
		output:    output,
		errOutput: errOutput,
	}, nil
}

// Close flushes and closes the cluster along with its collaborators.
func (r *repl) Close() error {
	if r.c != nil {
		r.c.Close(true)
	}
	if r.manager != nil {
		r.manager.Close()
	}
	if r.cache != nil {
		r.cache.Close()
	}
	return nil
}

// Run reads commands until EOF or .exit.
func (r *repl) Run() {
	r.running = true
	fmt.Fprintln(r.output, "clustercli")
	fmt.Fprintln(r.output, `Enter ".help" for the command list.`)

	for r.running && !r.exitRequested {
		line, eof := r.shell.ReadCommand()
		line = strings.TrimSpace(line)
		if line == "" {
			if eof {
				fmt.Fprintln(r.output)
				break
			}
			continue
		}

		if strings.HasPrefix(line, ".") {
			r.handleDotCommand(line)
		} else if err := r.execute(line); err != nil {
			fmt.Fprintf(r.errOutput, "Error: %v\n", err)
		}

		if eof {
			break
		}
	}
	r.running = false
}

func (r *repl) handleDotCommand(cmd string) {
	switch strings.ToLower(strings.Fields(cmd)[0]) {
	case ".exit", ".quit":
		r.exitRequested = true
	case ".help":
		r.printHelp()
	default:
		fmt.Fprintf(r.errOutput, "Unknown command: %s\n", cmd)
		fmt.Fprintln(r.errOutput, `Use ".help" for the command list.`)
	}
}

func (r *repl) printHelp() {
	fmt.Fprint(r.output, `
put <content>               create a record, prints its position
get <pos>                   read a record by position
update <pos> <version> <content>
                             rewrite a record in place
delete <pos>                delete a record
hide <pos>                  remove a record from iteration without freeing it
recycle <pos> <content>     fill a removed position with a fresh record
alloc                       reserve a new position and print it
scan                        list every live position and its payload
stat                        show entry count and total record bytes
.exit, .quit                leave the shell
.help                       show this message
`)
}

func (r *repl) execute(line string) error {
	fields := strings.SplitN(line, " ", 2)
	cmd := fields[0]
	rest := ""
	if len(fields) > 1 {
		rest = fields[1]
	}

	switch cmd {
	case "put":
		pos, err := r.c.CreateRecord([]byte(rest), 1, 'r', nil)
		if err != nil {
			return err
		}
		fmt.Fprintf(r.output, "%d\n", pos)
		return nil

	case "get":
		pos, err := parsePos(rest)
		if err != nil {
			return err
		}
		payload, version, recordType, found, err := r.c.ReadRecord(pos, 0)
		if err != nil {
			return err
		}
		if !found {
			fmt.Fprintln(r.output, "(not found)")
			return nil
		}
		fmt.Fprintf(r.output, "version=%d type=%c %s\n", version, recordType, payload)
		return nil

	case "update":
		parts := strings.SplitN(rest, " ", 3)
		if len(parts) < 3 {
			return fmt.Errorf("usage: update <pos> <version> <content>")
		}
		pos, err := parsePos(parts[0])
		if err != nil {
			return err
		}
		version, err := strconv.ParseUint(parts[1], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", parts[1], err)
		}
		updated, err := r.c.UpdateRecord(pos, []byte(parts[2]), uint32(version), 'r')
		if err != nil {
			return err
		}
		if !updated {
			fmt.Fprintln(r.output, "(not found)")
		}
		return nil

	case "delete":
		pos, err := parsePos(rest)
		if err != nil {
			return err
		}
		deleted, err := r.c.DeleteRecord(pos)
		if err != nil {
			return err
		}
		if !deleted {
			fmt.Fprintln(r.output, "(not found)")
		}
		return nil

	case "hide":
		pos, err := parsePos(rest)
		if err != nil {
			return err
		}
		hidden, err := r.c.HideRecord(pos)
		if err != nil {
			return err
		}
		if !hidden {
			fmt.Fprintln(r.output, "(not found)")
		}
		return nil

	case "recycle":
		parts := strings.SplitN(rest, " ", 2)
		if len(parts) < 2 {
			return fmt.Errorf("usage: recycle <pos> <content>")
		}
		pos, err := parsePos(parts[0])
		if err != nil {
			return err
		}
		return r.c.RecycleRecord(pos, []byte(parts[1]), 1, 'r')

	case "alloc":
		pos, err := r.c.AllocatePosition()
		if err != nil {
			return err
		}
		fmt.Fprintf(r.output, "%d\n", pos)
		return nil

	case "scan":
		it := r.c.AbsoluteIterator()
		count := 0
		for {
			pos, ok, err := it.Next()
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			payload, version, recordType, found, err := r.c.ReadRecord(pos, 0)
			if err != nil {
				return err
			}
			if !found {
				continue
			}
			fmt.Fprintf(r.output, "%d\tversion=%d type=%c %s\n", pos, version, recordType, payload)
			count++
		}
		fmt.Fprintf(r.output, "%d row(s)\n", count)
		return nil

	case "stat":
		entries, err := r.c.GetEntries()
		if err != nil {
			return err
		}
		size, err := r.c.GetRecordsSize()
		if err != nil {
			return err
		}
		fmt.Fprintf(r.output, "entries=%d records_size=%d\n", entries, size)
		return nil

	default:
		return fmt.Errorf("unknown command %q, enter \".help\" for the command list", cmd)
	}
}

func parsePos(s string) (int64, error) {
	s = strings.TrimSpace(s)
	pos, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid position %q: %w", s, err)
	}
	return pos, nil
}
