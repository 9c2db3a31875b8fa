// Command engineshell is a readline REPL for driving an Engine directly:
// index, get, delete, refresh, flush, recover and stats against a local
// data directory.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/peterh/liner"

	"github.com/docshard/shardkernel/internal/config"
	"github.com/docshard/shardkernel/internal/engine"
	"github.com/docshard/shardkernel/internal/logging"
	"github.com/docshard/shardkernel/internal/types"
	"github.com/docshard/shardkernel/internal/versionmap"
)

func main() {
	dataDir := flag.String("data", "./data/engineshell", "engine data directory")
	flag.Parse()

	log := logging.Default().With("engineshell")

	cfg := config.DefaultConfig()
	cfg.DataDir = *dataDir

	vm := versionmap.New()
	eng, err := engine.Open(*dataDir, cfg, vm, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open engine: %v\n", err)
		os.Exit(1)
	}
	defer eng.Close()

	sh := newShell(eng)
	sh.run()
}

type shell struct {
	eng     *engine.Engine
	line    *liner.State
	history []string
}

func newShell(eng *engine.Engine) *shell {
	l := liner.NewLiner()
	l.SetCtrlCAborts(true)
	return &shell{eng: eng, line: l, history: make([]string, 0, 100)}
}

func (s *shell) run() {
	defer s.line.Close()

	fmt.Println("engineshell — index/get [-r]/delete/refresh/flush/recover/gcp/stats/quit")
	for {
		input, err := s.line.Prompt("engine> ")
		if err != nil {
			return
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		s.line.AppendHistory(input)
		s.history = append(s.history, input)

		if err := s.dispatch(input); err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}
}

func (s *shell) dispatch(line string) error {
	fields := strings.Fields(line)
	cmd := fields[0]
	args := fields[1:]

	switch cmd {
	case "quit", "exit":
		os.Exit(0)
	case "index":
		if len(args) < 2 {
			return fmt.Errorf("usage: index <docId> <source...>")
		}
		op, err := s.eng.Index(engine.IndexRequest{DocID: args[0], Source: []byte(strings.Join(args[1:], " "))})
		if err != nil {
			return err
		}
		fmt.Printf("indexed %s seqNo=%d term=%d version=%d\n", op.DocID, op.SeqNo, op.Term, op.Version)
	case "delete":
		if len(args) != 1 {
			return fmt.Errorf("usage: delete <docId>")
		}
		op, err := s.eng.Delete(engine.DeleteRequest{DocID: args[0]})
		if err != nil {
			return err
		}
		fmt.Printf("deleted %s seqNo=%d term=%d version=%d\n", op.DocID, op.SeqNo, op.Term, op.Version)
	case "get":
		if len(args) < 1 || len(args) > 2 {
			return fmt.Errorf("usage: get [-r] <docId>")
		}
		realtime := false
		if args[0] == "-r" {
			realtime = true
			args = args[1:]
		}
		if len(args) != 1 {
			return fmt.Errorf("usage: get [-r] <docId>")
		}
		var (
			source []byte
			v      types.VersionValue
			found  bool
			err    error
		)
		if realtime {
			source, v, found, err = s.eng.GetRealtime(args[0])
		} else {
			source, v, found, err = s.eng.Get(args[0])
		}
		if err != nil {
			return err
		}
		if !found {
			fmt.Println("not found")
			return nil
		}
		fmt.Printf("%s (seqNo=%d term=%d version=%d)\n", string(source), v.SeqNo, v.Term, v.Version)
	case "refresh":
		if err := s.eng.Refresh(); err != nil {
			return err
		}
		fmt.Println("refreshed")
	case "flush":
		if err := s.eng.Flush(); err != nil {
			return err
		}
		fmt.Println("flushed")
	case "recover":
		if err := s.eng.Recover(); err != nil {
			return err
		}
		fmt.Println("recovered")
	case "gcp":
		if len(args) != 1 {
			return fmt.Errorf("usage: gcp <checkpoint>")
		}
		n, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid checkpoint: %w", err)
		}
		s.eng.UpdateGlobalCheckpoint(n)
		fmt.Printf("global checkpoint now %d\n", s.eng.Stats().GlobalCheckpoint)
	case "stats":
		st := s.eng.Stats()
		fmt.Printf("index=%d delete=%d noop=%d localCheckpoint=%d globalCheckpoint=%d maxSeqNo=%d term=%d tombstones=%d translogBytes=%d translogGenerations=%d\n",
			st.IndexCount, st.DeleteCount, st.NoOpCount, st.LocalCheckpoint, st.GlobalCheckpoint,
			st.MaxSeqNo, st.Term, st.TombstoneCount, st.TranslogSizeBytes, st.TranslogGenerations)
	case "history":
		n := len(s.history)
		if len(args) == 1 {
			if parsed, err := strconv.Atoi(args[0]); err == nil && parsed > 0 && parsed < n {
				n = parsed
			}
		}
		for _, h := range s.history[len(s.history)-n:] {
			fmt.Println(h)
		}
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
	return nil
}
