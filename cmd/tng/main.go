/*
Copyright 2024 Inclavare Containers Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command tng runs the transparent confidential-computing tunnel
// gateway: every ingress and egress endpoint named by a config document
// is brought up under one supervisor, with graceful shutdown on SIGINT
// and SIGTERM.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gravitational/kingpin"
	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/inclavare-containers/tng/pkg/attestation"
	"github.com/inclavare-containers/tng/pkg/certmgr"
	"github.com/inclavare-containers/tng/pkg/config"
	"github.com/inclavare-containers/tng/pkg/controlplane"
	"github.com/inclavare-containers/tng/pkg/egress"
	"github.com/inclavare-containers/tng/pkg/ingress"
	"github.com/inclavare-containers/tng/pkg/keyconfig"
	"github.com/inclavare-containers/tng/pkg/observability/log"
	"github.com/inclavare-containers/tng/pkg/observability/metric"
	"github.com/inclavare-containers/tng/pkg/ohttp"
	"github.com/inclavare-containers/tng/pkg/runtime"
	"github.com/inclavare-containers/tng/pkg/security"
	"github.com/inclavare-containers/tng/pkg/transport"
)

const version = "0.1.0-dev"

const shutdownDeadline = 30 * time.Second

func main() {
	app := kingpin.New("tng", "Transparent confidential-computing tunnel gateway.")
	app.HelpFlag.Short('h')
	versionCmd := app.Command("version", "Print the tng version.")

	var configPath string
	var debug bool
	app.Flag("config", "Path to a JSON or YAML configuration document.").
		Short('c').Required().StringVar(&configPath)
	app.Flag("debug", "Enable debug-level logging.").Short('d').BoolVar(&debug)

	selected, err := app.Parse(os.Args[1:])
	if err != nil {
		app.Usage(os.Args[1:])
		os.Exit(1)
	}

	if selected == versionCmd.FullCommand() {
		fmt.Println("tng version " + version)
		return
	}

	if debug {
		os.Setenv("TNG_LOG_LEVEL", "debug")
	}
	log.Init()

	if err := run(configPath); err != nil {
		log.Component("main").WithError(err).Error("tng exited with an error")
		os.Exit(2)
	}
}

// run loads the configuration, wires every ingress/egress endpoint, and
// blocks until a termination signal is received or a fatal startup error
// occurs.
func run(configPath string) error {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return trace.Wrap(err, "loading config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sup := runtime.NewSupervisor(ctx)
	w := &wiring{sup: sup, pool: security.NewPool(), asCache: make(map[string]attestation.Service)}

	control := controlplane.NewServer()

	for i, ic := range cfg.AddIngress {
		in, err := w.buildIngress(ctx, ic)
		if err != nil {
			return trace.Wrap(err, "add_ingress[%d]", i)
		}
		if err := in.Run(sup); err != nil {
			return trace.Wrap(err, "add_ingress[%d]: starting listener", i)
		}
	}

	for i, ec := range cfg.AddEgress {
		eg, err := w.buildEgress(ctx, ec)
		if err != nil {
			return trace.Wrap(err, "add_egress[%d]", i)
		}
		if err := eg.Run(sup); err != nil {
			return trace.Wrap(err, "add_egress[%d]: starting listener", i)
		}
	}

	if cfg.ControlInterface != nil && cfg.ControlInterface.ListenAddr != "" {
		launchHTTP(sup, "control-interface", cfg.ControlInterface.ListenAddr, control)
	}
	if cfg.Metric != nil && cfg.Metric.ListenAddr != "" &&
		(cfg.ControlInterface == nil || cfg.Metric.ListenAddr != cfg.ControlInterface.ListenAddr) {
		launchHTTP(sup, "metrics", cfg.Metric.ListenAddr, promhttp.HandlerFor(metric.Registry, promhttp.HandlerOpts{}))
	}

	control.SetReady(true)
	log.Component("main").Info("tng started")

	<-ctx.Done()
	log.Component("main").Info("shutdown signal received, draining connections")
	control.SetReady(false)
	return sup.Shutdown(shutdownDeadline)
}

func launchHTTP(sup *runtime.Supervisor, name, addr string, handler http.Handler) {
	srv := &http.Server{Addr: addr, Handler: handler}
	sup.Go(name, func(ctx context.Context) error {
		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
			return nil
		case err := <-errCh:
			if err != nil && err != http.ErrServerClosed {
				return trace.Wrap(err)
			}
			return nil
		}
	})
}

// wiring holds the collaborators shared across every endpoint built from
// one config document: a single client pool and a single
// attestation.Service (kept in asCache under one fixed key), shared by
// every endpoint whatever AS address it names.
type wiring struct {
	sup     *runtime.Supervisor
	pool    *security.Pool
	asCache map[string]attestation.Service
}

func (w *wiring) asService() attestation.Service {
	// One HTTPService per process is sufficient: ASAddr/TrustedCertsPaths
	// travel on every call via VerifyArgs, so the client itself is stateless.
	const key = "default"
	if svc, ok := w.asCache[key]; ok {
		return svc
	}
	svc := attestation.NewHTTPService()
	w.asCache[key] = svc
	return svc
}

// raDeps builds the certmgr.Manager (if this endpoint attests) and the
// attestation.Service (if it verifies) named by raArgs.
func (w *wiring) raDeps(ctx context.Context, raArgs config.RaArgsConfig) (*certmgr.Manager, *attestation.VerifyArgs, attestation.Service, *attestation.AttestArgs, attestation.Agent, error) {
	ra, err := raArgs.ToRaArgs()
	if err != nil {
		return nil, nil, nil, nil, nil, trace.Wrap(err)
	}
	if ra.IsNoRa() {
		return nil, nil, nil, nil, nil, nil
	}

	var (
		mgr        *certmgr.Manager
		verifyArgs *attestation.VerifyArgs
		as         attestation.Service
		attestArgs *attestation.AttestArgs
		agent      attestation.Agent
	)

	if a, ok := ra.Attest(); ok {
		agent = attestation.NewUDSAgent(a.AAAddr)
		m, err := certmgr.New(ctx, a, agent)
		if err != nil {
			return nil, nil, nil, nil, nil, trace.Wrap(err)
		}
		if err := m.LaunchRefreshTask(w.sup); err != nil {
			return nil, nil, nil, nil, nil, trace.Wrap(err)
		}
		mgr = m
		attestArgs = &a
	}
	if v, ok := ra.Verify(); ok {
		verifyArgs = &v
		as = w.asService()
	}
	return mgr, verifyArgs, as, attestArgs, agent, nil
}

func (w *wiring) buildEgress(ctx context.Context, ec config.EgressConfig) (*egress.Egress, error) {
	certs, verify, as, attestArgs, agent, err := w.raDeps(ctx, ec.RaArgs)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	deps := egress.Deps{Certs: certs, Verify: verify, AS: as, Attest: attestArgs, Agent: agent}

	if ec.Ohttp != nil {
		if ec.Ohttp.Keys == nil {
			return nil, trace.BadParameter("egress ohttp endpoint requires key_config")
		}
		if err := ec.Ohttp.Keys.Validate(); err != nil {
			return nil, trace.Wrap(err)
		}
		keys, err := w.buildKeySource(ec.Ohttp.Keys, as)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		deps.Keys = keys
	}

	return egress.New(ec, deps), nil
}

func (w *wiring) buildIngress(ctx context.Context, ic config.IngressConfig) (*ingress.Ingress, error) {
	certs, verify, as, _, _, err := w.raDeps(ctx, ic.RaArgs)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	deps := ingress.Deps{Certs: certs, Verify: verify, AS: as, Pool: w.pool}

	if ic.Ohttp != nil {
		httpClient := &http.Client{Timeout: 30 * time.Second}
		deps.OhttpClient = ohttp.NewClient(httpClient, verify, as)
	} else if ic.EncapInHTTP != nil && ic.EncapInHTTP.Enabled {
		deps.Dialer = transport.NewH2FramedDialer(transport.NewTCPDialer(transport.TCPDialerConfig{}))
	} else {
		deps.Dialer = transport.NewTCPDialer(transport.TCPDialerConfig{})
	}

	return ingress.New(ic, deps)
}

// buildKeySource constructs the egress HPKE key source named by kc,
// recursing once for peer_shared's local variant.
func (w *wiring) buildKeySource(kc *config.KeyConfig, as attestation.Service) (keyconfig.Source, error) {
	switch {
	case kc.SelfGenerated != nil:
		s, err := keyconfig.NewSelfGenerated(keyconfig.SelfGeneratedConfig{
			RotationInterval: time.Duration(kc.SelfGenerated.RotationIntervalSeconds) * time.Second,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		s.LaunchRotation(w.sup)
		return s, nil

	case kc.File != nil:
		f, err := keyconfig.NewFile(keyconfig.FileConfig{Path: kc.File.Path})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		f.LaunchWatch(w.sup, kc.File.Path)
		return f, nil

	case kc.PeerShared != nil:
		local, err := w.buildKeySource(&kc.PeerShared.Local, as)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		var verify *attestation.VerifyArgs
		if vc := kc.PeerShared.Verify; vc != nil {
			verify = &attestation.VerifyArgs{
				Model:             attestation.Model(vc.Model),
				ASAddr:            vc.ASAddr,
				PolicyIDs:         vc.PolicyIDs,
				TrustedCertsPaths: vc.TrustedCertsPaths,
			}
		}
		ps := keyconfig.NewPeerShared(keyconfig.PeerSharedConfig{
			Local:        local,
			Peers:        kc.PeerShared.Peers,
			SyncInterval: time.Duration(kc.PeerShared.SyncIntervalSeconds) * time.Second,
			Verify:       verify,
			AS:           as,
			FetchPeer:    fetchPeerKey,
		})
		ps.LaunchSync(w.sup)
		return ps, nil

	default:
		return nil, trace.BadParameter("key_config: no variant set")
	}
}

// fetchPeerKey asks a peer's OHTTP endpoint for its current key
// configuration over a plain HTTP request, the same request shape
// ohttp.Client uses to reach an egress endpoint's own /tng/key-config.
// Peer key-sharing is a direct, unattested-transport fetch; the evidence
// the response carries is what gets verified, not the transport.
func fetchPeerKey(ctx context.Context, addr string) (keyconfig.Key, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, addr+"/tng/key-config", nil)
	if err != nil {
		return keyconfig.Key{}, nil, trace.Wrap(err)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return keyconfig.Key{}, nil, trace.Wrap(err, "peer %v unreachable", addr)
	}
	defer resp.Body.Close()

	var body ohttp.KeyConfigResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return keyconfig.Key{}, nil, trace.Wrap(err)
	}

	keys, err := ohttp.DecodeKeyConfigList(body.HpkeKeyConfig.EncodedKeyConfigList)
	if err != nil {
		return keyconfig.Key{}, nil, trace.Wrap(err)
	}
	pub, ok := keys[body.HpkeKeyConfig.KeyID]
	if !ok {
		return keyconfig.Key{}, nil, trace.BadParameter("peer %v: key-config response missing its own key_id", addr)
	}

	key := keyconfig.Key{ID: body.HpkeKeyConfig.KeyID, Public: pub, Status: keyconfig.StatusActive}

	var evidenceRaw []byte
	if len(body.AttestationInfo) > 0 {
		var ev attestation.Evidence
		if err := json.Unmarshal(body.AttestationInfo, &ev); err != nil {
			return keyconfig.Key{}, nil, trace.Wrap(err)
		}
		evidenceRaw = ev.Raw
	}
	return key, evidenceRaw, nil
}
