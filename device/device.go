// Package device implements the configuration-driven launcher (§4.5): read
// a PropertyTree, open the two sockets a device type demands, configure
// each from its sub-tree of option leaves (§6.2), and hand the pair to the
// fabric's built-in proxy primitive. Grounded on the original library's
// zdevice.c launcher, generalized from a one-shot CLI program into a
// reusable Launch/LaunchAutomagic pair.
package device

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/zfl-go/zfl/fabric"
	"github.com/zfl-go/zfl/proptree"
	"github.com/zfl-go/zfl/zflerr"
	"github.com/zfl-go/zfl/zfllog"
)

// Type identifies one of the three device topologies (§6.3).
type Type string

const (
	TypeQueue     Type = "zmq_queue"
	TypeForwarder Type = "zmq_forwarder"
	TypeStreamer  Type = "zmq_streamer"
)

// patternsFor returns the frontend/backend socket patterns a device type
// mandates (§6.3).
func patternsFor(t Type) (frontend, backend fabric.Pattern, err error) {
	switch t {
	case TypeQueue:
		return fabric.PatternRouter, fabric.PatternDealer, nil
	case TypeForwarder:
		return fabric.PatternSub, fabric.PatternPub, nil
	case TypeStreamer:
		return fabric.PatternPull, fabric.PatternPush, nil
	default:
		return 0, 0, fmt.Errorf("unknown device type %q", t)
	}
}

// Handle is a running device; Stop tears down its sockets. The proxy
// goroutine's terminal error, if any, is delivered on Err once Stop has
// been called (fabric.Proxy returns ErrTerminated on an orderly shutdown).
type Handle struct {
	frontend, backend *fabric.Socket
	errCh             chan error
}

// Stop destroys both sockets, which unblocks the proxy goroutine with
// fabric.ErrTerminated.
func (h *Handle) Stop() {
	h.frontend.Destroy()
	h.backend.Destroy()
}

// Err blocks until the proxy goroutine returns and reports why.
func (h *Handle) Err() error {
	return <-h.errCh
}

// Launch reads a fully configured device from root: the first top-level
// child not named "context" is the service, which must carry a `type` leaf
// and `frontend`/`backend` sub-trees of configuration leaves (§6.2). A
// missing type or service is a fatal configuration error.
func Launch(ctx *fabric.Context, root *proptree.Node, log *zap.SugaredLogger) (*Handle, error) {
	log = zfllog.OrNoop(log)

	service := firstServiceChild(root)
	if service == nil {
		return nil, fmt.Errorf("%w: no service configured", zflerr.ErrConfig)
	}

	// Snapshot the service sub-tree before applyEnvOverrides mutates its
	// bind/connect leaves in place, so the caller's root tree (and any
	// sibling service sharing it) is never touched.
	service = service.Clone()

	verboseNode := service.Locate("verbose")
	if verboseNode == nil {
		verboseNode = service.LocateFrom(root, "context/verbose")
	}
	verbose := verboseNode != nil && verboseNode.String() == "1"

	applyEnvOverrides(service, log, verbose)

	typeNode := service.Locate("type")
	if typeNode == nil {
		return nil, fmt.Errorf("%w: device %q missing type", zflerr.ErrConfig, service.Name)
	}
	frontPattern, backPattern, err := patternsFor(Type(typeNode.String()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", zflerr.ErrConfig, err)
	}

	frontendNode := service.Locate("frontend")
	backendNode := service.Locate("backend")
	if frontendNode == nil || backendNode == nil {
		return nil, fmt.Errorf("%w: device %q missing frontend/backend", zflerr.ErrConfig, service.Name)
	}

	frontend, err := ctx.NewSocket(frontPattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", zflerr.ErrFabric, err)
	}
	if err := applySide(frontend, frontendNode, verbose, log); err != nil {
		frontend.Destroy()
		return nil, err
	}

	backend, err := ctx.NewSocket(backPattern)
	if err != nil {
		frontend.Destroy()
		return nil, fmt.Errorf("%w: %v", zflerr.ErrFabric, err)
	}
	if err := applySide(backend, backendNode, verbose, log); err != nil {
		frontend.Destroy()
		backend.Destroy()
		return nil, err
	}

	log.Infow("device: starting", "service", service.Name, "type", typeNode.String())
	h := &Handle{frontend: frontend, backend: backend, errCh: make(chan error, 1)}
	go func() { h.errCh <- fabric.Proxy(frontend, backend) }()
	return h, nil
}

// LaunchAutomagic starts a device from a type and two bare endpoints, with
// no configuration tree, using the bring-up convention of §6.3: queue
// binds both sides; forwarder connects frontend, binds backend; streamer
// binds frontend, connects backend.
func LaunchAutomagic(ctx *fabric.Context, deviceType Type, frontendEndpoint, backendEndpoint string) (*Handle, error) {
	frontPattern, backPattern, err := patternsFor(deviceType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", zflerr.ErrConfig, err)
	}

	frontend, err := ctx.NewSocket(frontPattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", zflerr.ErrFabric, err)
	}
	backend, err := ctx.NewSocket(backPattern)
	if err != nil {
		frontend.Destroy()
		return nil, fmt.Errorf("%w: %v", zflerr.ErrFabric, err)
	}

	var bindErr error
	switch deviceType {
	case TypeQueue:
		bindErr = firstErr(frontend.Bind(frontendEndpoint), backend.Bind(backendEndpoint))
	case TypeForwarder:
		bindErr = firstErr(frontend.Connect(frontendEndpoint), backend.Bind(backendEndpoint))
	case TypeStreamer:
		bindErr = firstErr(frontend.Bind(frontendEndpoint), backend.Connect(backendEndpoint))
	}
	if bindErr != nil {
		frontend.Destroy()
		backend.Destroy()
		return nil, fmt.Errorf("%w: %v", zflerr.ErrFabric, bindErr)
	}

	h := &Handle{frontend: frontend, backend: backend, errCh: make(chan error, 1)}
	go func() { h.errCh <- fabric.Proxy(frontend, backend) }()
	return h, nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func firstServiceChild(root *proptree.Node) *proptree.Node {
	for c := root.Child; c != nil; c = c.Sibling {
		if c.Name != "context" {
			return c
		}
	}
	return nil
}

// applyEnvOverrides mutates service's frontend/backend bind and connect
// leaves in place from environment variables named
// ZFL_<SERVICE>_<SIDE>_<LEAF> (all uppercased, non-alphanumerics replaced
// with underscores), letting a deployment pin endpoints without editing the
// configuration file itself. service must already be a private clone: this
// never touches the tree Launch was called with.
func applyEnvOverrides(service *proptree.Node, log *zap.SugaredLogger, verbose bool) {
	prefix := "ZFL_" + envWord(service.Name) + "_"
	for _, sideName := range []string{"frontend", "backend"} {
		side := service.Locate(sideName)
		if side == nil {
			continue
		}
		for _, leaf := range []string{"bind", "connect"} {
			node := side.Locate(leaf)
			if node == nil {
				continue
			}
			key := prefix + envWord(sideName) + "_" + envWord(leaf)
			if v, ok := os.LookupEnv(key); ok {
				if verbose {
					log.Infow("device: env override applied", "var", key, "leaf", sideName+"/"+leaf)
				}
				node.SetString(v)
			}
		}
	}
}

func envWord(s string) string {
	s = strings.ToUpper(s)
	return strings.Map(func(r rune) rune {
		if r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			return r
		}
		return '_'
	}, s)
}

// applySide walks side's direct children applying each as a configuration
// directive (§6.2). Unknown leaf names are ignored unless verbose.
func applySide(sock *fabric.Socket, side *proptree.Node, verbose bool, log *zap.SugaredLogger) error {
	for c := side.Child; c != nil; c = c.Sibling {
		switch c.Name {
		case "bind":
			if err := sock.Bind(c.String()); err != nil {
				return fmt.Errorf("%w: bind %s: %v", zflerr.ErrFabric, c.String(), err)
			}
		case "connect":
			if err := sock.Connect(c.String()); err != nil {
				return fmt.Errorf("%w: connect %s: %v", zflerr.ErrFabric, c.String(), err)
			}
		case "option":
			if err := applyOptions(sock, c, verbose, log); err != nil {
				return err
			}
		default:
			if verbose {
				log.Infow("device: unknown leaf ignored", "leaf", c.Name)
			}
		}
	}
	return nil
}

// applyOptions walks an `option` sub-tree, applying each recognized leaf of
// §6.2's table. "swap", "mcast_loop", and "recovery_ivl" name options the
// underlying fabric no longer exposes (removed from modern ZeroMQ); they
// are recognized for configuration-format compatibility and reported when
// verbose, never applied.
func applyOptions(sock *fabric.Socket, option *proptree.Node, verbose bool, log *zap.SugaredLogger) error {
	for c := option.Child; c != nil; c = c.Sibling {
		switch c.Name {
		case "hwm":
			v, err := strconv.ParseUint(c.String(), 10, 64)
			if err != nil {
				return fmt.Errorf("%w: option/hwm: %v", zflerr.ErrConfig, err)
			}
			if err := sock.SetHWM(v); err != nil {
				return fmt.Errorf("%w: %v", zflerr.ErrFabric, err)
			}
		case "affinity":
			v, err := strconv.ParseUint(c.String(), 10, 64)
			if err != nil {
				return fmt.Errorf("%w: option/affinity: %v", zflerr.ErrConfig, err)
			}
			if err := sock.SetAffinity(v); err != nil {
				return fmt.Errorf("%w: %v", zflerr.ErrFabric, err)
			}
		case "identity":
			if err := sock.SetIdentity(c.String()); err != nil {
				return fmt.Errorf("%w: %v", zflerr.ErrFabric, err)
			}
		case "subscribe":
			if err := sock.SetSubscribe(c.String()); err != nil {
				return fmt.Errorf("%w: %v", zflerr.ErrFabric, err)
			}
		case "rate":
			v, err := strconv.ParseInt(c.String(), 10, 64)
			if err != nil {
				return fmt.Errorf("%w: option/rate: %v", zflerr.ErrConfig, err)
			}
			if err := sock.SetRate(v); err != nil {
				return fmt.Errorf("%w: %v", zflerr.ErrFabric, err)
			}
		case "sndbuf":
			v, err := strconv.ParseUint(c.String(), 10, 64)
			if err != nil {
				return fmt.Errorf("%w: option/sndbuf: %v", zflerr.ErrConfig, err)
			}
			if err := sock.SetSndbuf(v); err != nil {
				return fmt.Errorf("%w: %v", zflerr.ErrFabric, err)
			}
		case "rcvbuf":
			v, err := strconv.ParseUint(c.String(), 10, 64)
			if err != nil {
				return fmt.Errorf("%w: option/rcvbuf: %v", zflerr.ErrConfig, err)
			}
			if err := sock.SetRcvbuf(v); err != nil {
				return fmt.Errorf("%w: %v", zflerr.ErrFabric, err)
			}
		case "swap", "mcast_loop", "recovery_ivl":
			if verbose {
				log.Infow("device: option recognized but not supported by this fabric build", "option", c.Name)
			}
		default:
			if verbose {
				log.Infow("device: unknown option ignored", "option", c.Name)
			}
		}
	}
	return nil
}
