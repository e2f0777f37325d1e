package main

import (
	"flag"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gologme/log"
	gsyslog "github.com/hashicorp/go-syslog"

	"github.com/virtnet-io/virtnet/src/config"
	"github.com/virtnet-io/virtnet/src/core"
	"github.com/virtnet-io/virtnet/src/endpoint"
	"github.com/virtnet-io/virtnet/src/identity"
	"github.com/virtnet-io/virtnet/src/store"
	"github.com/virtnet-io/virtnet/src/version"
)

type args struct {
	genconf     bool
	useconffile string
	autoconf    bool
	ver         bool
	logto       string
	loglevel    string
}

func getArgs() args {
	genconf := flag.Bool("genconf", false, "print a new config to stdout")
	useconffile := flag.String("useconffile", "", "read HJSON/JSON config from specified file path")
	autoconf := flag.Bool("autoconf", false, "run with default configuration")
	ver := flag.Bool("version", false, "prints the version of this build")
	logto := flag.String("logto", "stdout", "file path to log to, \"syslog\" or \"stdout\"")
	loglevel := flag.String("loglevel", "info", "loglevel to enable")
	flag.Parse()
	return args{
		genconf:     *genconf,
		useconffile: *useconffile,
		autoconf:    *autoconf,
		ver:         *ver,
		logto:       *logto,
		loglevel:    *loglevel,
	}
}

func setLogLevel(loglevel string, logger *log.Logger) {
	levels := [...]string{"error", "warn", "info", "debug", "trace"}
	loglevel = strings.ToLower(loglevel)

	contains := func() bool {
		for _, l := range levels {
			if l == loglevel {
				return true
			}
		}
		return false
	}

	if !contains() {
		logger.Infoln("Loglevel parse failed. Set default level(info)")
		loglevel = "info"
	}

	for _, l := range levels {
		logger.EnableLevel(l)
		if l == loglevel {
			break
		}
	}
}

func main() {
	a := getArgs()

	switch {
	case a.ver:
		fmt.Println("Build name:", version.BuildName())
		fmt.Println("Build version:", version.BuildVersion())
		return
	case a.genconf:
		cfg := config.GenerateConfig()
		b, err := cfg.Marshal()
		if err != nil {
			fmt.Fprintln(os.Stderr, "error generating config:", err)
			os.Exit(1)
		}
		fmt.Println(string(b))
		return
	}

	var logger *log.Logger
	switch a.logto {
	case "stdout":
		logger = log.New(os.Stdout, "", log.Flags())
	case "syslog":
		if syslogger, err := gsyslog.NewLogger(gsyslog.LOG_NOTICE, "DAEMON", version.BuildName()); err == nil {
			logger = log.New(syslogger, "", log.Flags())
		}
	default:
		if f, err := os.OpenFile(a.logto, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			logger = log.New(f, "", log.Flags())
		}
	}
	if logger == nil {
		logger = log.New(os.Stdout, "", log.Flags())
		logger.Warnln("Logging defaulting to stdout")
	}
	setLogLevel(a.loglevel, logger)

	var cfg *config.NodeConfig
	switch {
	case a.useconffile != "":
		b, err := os.ReadFile(a.useconffile)
		if err != nil {
			logger.Errorln("Failed to read config file:", err)
			os.Exit(1)
		}
		cfg, err = config.LoadConfig(b)
		if err != nil {
			logger.Errorln("Failed to parse config:", err)
			os.Exit(1)
		}
	case a.autoconf:
		cfg = config.GenerateConfig()
	default:
		flag.Usage()
		os.Exit(1)
	}
	if cfg.StateDir == "" {
		cfg.StateDir = "virtnet-state"
	}

	if err := run(cfg, logger); err != nil {
		logger.Errorln(err)
		os.Exit(1)
	}
}

func run(cfg *config.NodeConfig, logger *log.Logger) error {
	st, err := store.Open(cfg.StateDir)
	if err != nil {
		return err
	}
	defer st.Close()

	id, err := nodeIdentity(cfg, st, logger)
	if err != nil {
		return err
	}
	logger.Infoln("Node address:", id.Address())

	// Open listen sockets. The daemon owns all I/O; the core only ever
	// sees (localSocket, address) pairs.
	var socks []*net.UDPConn
	for _, listen := range cfg.Listen {
		ap, err := netip.ParseAddrPort(listen)
		if err != nil {
			return fmt.Errorf("invalid listen address %q: %w", listen, err)
		}
		conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(ap))
		if err != nil {
			return fmt.Errorf("failed to listen on %q: %w", listen, err)
		}
		socks = append(socks, conn)
		logger.Infoln("Listening on", conn.LocalAddr())
	}
	if len(socks) == 0 {
		return fmt.Errorf("no listen addresses configured")
	}
	defer func() {
		for _, s := range socks {
			s.Close()
		}
	}()

	cb := core.Callbacks{
		WireSend: func(localSocket int64, remote endpoint.InetAddress, data []byte) bool {
			s := socks[0]
			if localSocket >= 0 && int(localSocket) < len(socks) {
				s = socks[localSocket]
			}
			_, err := s.WriteToUDPAddrPort(data, remote.AddrPort)
			return err == nil
		},
		StateGet: st.Get,
		StatePut: st.Put,
		Event: func(ev core.Event) {
			switch ev.Type {
			case core.EventUp:
				logger.Infoln("Node up")
			case core.EventOnline:
				logger.Infoln("Node online")
			case core.EventOffline:
				logger.Warnln("Node offline")
			case core.EventDown:
				logger.Infoln("Node down")
			case core.EventTrace:
				logger.Traceln("TRACE:", ev.Trace.String())
			case core.EventUserMessage:
				logger.Debugf("User message type %d from %s (%d bytes)",
					ev.UserMessage.TypeID, ev.UserMessage.Source.Address(), len(ev.UserMessage.Data))
			}
		},
	}

	tps, err := cfg.ParseTrustedPaths()
	if err != nil {
		return err
	}
	opts := []core.Option{core.WithLogger(logger), core.WithTrustedPaths(tps)}
	if cfg.EnableRelay {
		opts = append(opts, core.WithRelay())
	}
	if cfg.AggressiveNAT {
		opts = append(opts, core.WithAggressiveNAT())
	}

	node, err := core.NewNode(id, cb, time.Now().UnixMilli(), opts...)
	if err != nil {
		return err
	}

	rootIDs, rootLocs, err := cfg.ParseRoots()
	if err != nil {
		return err
	}
	for i := range rootIDs {
		if node.AddRoot(rootIDs[i], rootLocs[i], time.Now().UnixMilli()) {
			logger.Infoln("Added root", rootIDs[i].Address())
		} else {
			logger.Warnln("Rejected configured root", rootIDs[i].Address())
		}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup

	for i, sock := range socks {
		wg.Add(1)
		go func(localSocket int64, sock *net.UDPConn) {
			defer wg.Done()
			buf := make([]byte, 65536)
			for {
				n, from, err := sock.ReadFromUDPAddrPort(buf)
				if err != nil {
					select {
					case <-done:
						return
					default:
						logger.Debugln("Socket read error:", err)
						continue
					}
				}
				node.HandlePacket(localSocket, endpoint.NewInetAddress(from), buf[:n], time.Now().UnixMilli())
			}
		}(int64(i), sock)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			deadline := node.ProcessBackgroundTasks(time.Now().UnixMilli())
			wait := time.Duration(deadline-time.Now().UnixMilli()) * time.Millisecond
			if wait < 10*time.Millisecond {
				wait = 10 * time.Millisecond
			}
			select {
			case <-done:
				return
			case <-time.After(wait):
			}
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	logger.Infoln("Stopping...")
	close(done)
	for _, s := range socks {
		s.Close()
	}
	node.Close(time.Now().UnixMilli())
	wg.Wait()
	logger.Infoln("Stopped")
	return nil
}

// nodeIdentity resolves the node identity: config first, then the state
// store, then fresh generation (persisted for next time).
func nodeIdentity(cfg *config.NodeConfig, st *store.Store, logger *log.Logger) (*identity.Identity, error) {
	if id, err := cfg.ParseIdentity(); err != nil {
		return nil, err
	} else if id != nil {
		return id, nil
	}
	if b := st.Get(core.StateObjectIdentitySecret, nil); b != nil {
		id, err := identity.FromString(string(b))
		if err == nil && id.HasPrivate() && id.LocallyValidate() {
			return id, nil
		}
		logger.Warnln("Stored identity is invalid, generating a new one")
	}
	logger.Infoln("Generating a new identity (this can take a moment)...")
	id, err := identity.Generate(identity.TypeC25519)
	if err != nil {
		return nil, err
	}
	st.Put(core.StateObjectIdentitySecret, nil, []byte(id.StringWithPrivate()))
	st.Put(core.StateObjectIdentityPublic, nil, []byte(id.String()))
	return id, nil
}
