package internal

import (
	"context"
	"os"
	ossignal "os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"peercall/pkg/api"
	"peercall/pkg/call"
	"peercall/pkg/crypto"
	"peercall/pkg/identity"
	"peercall/pkg/log"
	"peercall/pkg/metrics"
	"peercall/pkg/peer"
	"peercall/pkg/signal"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
)

const (
	storeMemory    = "memory"
	storeRedis     = "redis"
	storeMongo     = "mongo"
	storeFirestore = "firestore"

	micSilence = "silence"
	micDevice  = "device"
)

type App struct {
	identityFile string
	identityKey  string
	name         string
	self         string
	remotePeer   string
	conversation string
	placeCall    bool
	autoAnswer   bool

	storeKind            string
	redisAddr            string
	redisPassword        string
	redisDB              int
	mongoURI             string
	mongoDatabase        string
	firestoreProject     string
	firestoreCredentials string
	storeTimeout         time.Duration

	stunServers []string
	loopback    bool
	signalKey   string
	recordDir   string
	mic         string
	listen      string
	logLevel    string

	demo         bool
	demoDuration time.Duration

	identity   identity.Identity
	store      signal.Store
	directory  signal.RecordStore
	closeStore func() error
	devices    peer.MediaDevices
	sink       peer.Sink
	registry   *prometheus.Registry
	controller *call.Controller
	api        *api.Server
}

// conversationCreator is implemented by the stores that can create conversations.
type conversationCreator interface {
	CreateConversation(ctx context.Context, conv signal.Conversation) error
}

func NewApp() *App {
	return &App{}
}

func (a *App) Setup(ctx context.Context) (err error) {
	a.parseCmdline()

	log.SetupLogger(a.logLevel)

	if a.demo && !pflag.CommandLine.Changed("mic") {
		a.mic = micSilence
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if err := a.setupMedia(); err != nil {
		return err
	}

	if a.demo {
		a.loopback = true

		return nil
	}

	if err := a.setupIdentity(); err != nil {
		return err
	}

	if err := a.setupStore(ctx); err != nil {
		return err
	}

	a.controller = call.NewController(call.ControllerConfig{
		Self: a.identity.Peer,
	}, a.store, a.negotiatorFactory(a.store, a.identity.Peer), metrics.NewCalls(a.registry, string(a.identity.Peer)))

	if a.listen != "" {
		a.api = api.NewServer(api.ServerConfig{
			Listen:   a.listen,
			Gatherer: a.registry,
		}, a.controller)
	}

	return nil
}

func (a *App) Run(ctx context.Context, cancel context.CancelFunc) error {
	a.listenOS(cancel)

	if a.demo {
		return a.runDemo(ctx, cancel)
	}

	return a.runClient(ctx, cancel)
}

func (a *App) parseCmdline() {
	// Identity.
	pflag.StringVarP(&a.identityFile, "identity-file", "i", "", "Path to the file keeping the local peer id (default: <user config dir>/peercall/identity)")
	pflag.StringVarP(&a.identityKey, "identity-key", "k", "", "AES key (16, 24 or 32 bytes) sealing the identity file")
	pflag.StringVarP(&a.name, "name", "n", "", "Display name stored with a newly created identity")
	pflag.StringVar(&a.self, "self", "", "Use this peer id instead of the stored identity")

	// Conversation.
	pflag.StringVarP(&a.remotePeer, "peer", "P", "", "Peer id of the other member; opens the private conversation with it")
	pflag.StringVarP(&a.conversation, "conversation", "c", "", "Conversation id to open")
	pflag.BoolVar(&a.placeCall, "call", false, "Call the other member once the conversation is open")
	pflag.BoolVar(&a.autoAnswer, "auto-answer", false, "Answer incoming calls automatically")

	// Shared store.
	pflag.StringVarP(&a.storeKind, "store", "s", storeMemory, "Shared store backend: memory, redis, mongo or firestore")
	pflag.StringVar(&a.redisAddr, "redis-addr", "localhost:6379", "Redis address")
	pflag.StringVar(&a.redisPassword, "redis-password", "", "Redis password")
	pflag.IntVar(&a.redisDB, "redis-db", 0, "Redis database")
	pflag.StringVar(&a.mongoURI, "mongo-uri", "mongodb://localhost:27017/?replicaSet=rs0", "MongoDB URI; change streams need a replica set")
	pflag.StringVar(&a.mongoDatabase, "mongo-db", "chat", "MongoDB database")
	pflag.StringVar(&a.firestoreProject, "firestore-project", "", "Firebase project id")
	pflag.StringVar(&a.firestoreCredentials, "firestore-credentials", "", "Path to a service account key file")
	pflag.DurationVar(&a.storeTimeout, "store-timeout", 10*time.Second, "Timeout of one store request")
	pflag.StringVar(&a.signalKey, "signal-key", "", "AES key shared with the other member; seals descriptions and candidates in the store")

	// Media.
	pflag.StringSliceVarP(&a.stunServers, "stun", "S", []string{"stun1.l.google.com:19302", "stun2.l.google.com:19302"}, "List of used STUN servers")
	pflag.BoolVar(&a.loopback, "loopback", false, "Gather loopback candidates so that two clients on one host can connect offline")
	pflag.StringVar(&a.mic, "mic", micDevice, "Microphone: device or silence")
	pflag.StringVarP(&a.recordDir, "record", "r", "", "Directory where remote audio is recorded as Ogg/Opus")

	// Common options.
	pflag.StringVarP(&a.listen, "listen", "l", "127.0.0.1:8080", "Control API address; empty disables the API")
	pflag.StringVar(&a.logLevel, "log-level", "info", "Log level")
	pflag.BoolVar(&a.demo, "demo", false, "Run two clients in this process and place a call between them")
	pflag.DurationVar(&a.demoDuration, "demo-duration", 5*time.Second, "How long the demo call stays connected")

	pflag.Parse()
}

func (a *App) setupIdentity() error {
	if a.self != "" {
		a.identity = identity.Identity{Peer: signal.PeerID(a.self), Name: a.name}

		return nil
	}

	if a.identityFile == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return errors.Wrap(err, "identity file")
		}

		a.identityFile = filepath.Join(dir, "peercall", "identity")
	}

	var sealer identity.Crypto

	if a.identityKey != "" {
		c, err := crypto.NewAesCbc(crypto.AesCbcConfig{Key: []byte(a.identityKey)})
		if err != nil {
			return errors.Wrap(err, "identity crypto")
		}

		sealer = c
	}

	id, created, err := identity.NewLocalSaver(identity.LocalSaverConfig{
		IdentityFile: a.identityFile,
	}, sealer).LoadOrCreate(a.name)
	if err != nil {
		return errors.Wrap(err, "identity")
	}

	if created {
		log.Infof("Created identity %s in %s", id.Peer, a.identityFile)
	}

	a.identity = id

	return nil
}

func (a *App) setupStore(ctx context.Context) error {
	var (
		store signal.Store
		err   error
	)

	switch a.storeKind {
	case storeMemory:
		log.Warn("Using the in-memory store: only clients in this process can be called")

		store = signal.NewMemory()
	case storeRedis:
		var r *signal.Redis

		r, err = signal.NewRedis(signal.RedisConfig{
			Addr:     a.redisAddr,
			Password: a.redisPassword,
			DB:       a.redisDB,
			Timeout:  a.storeTimeout,
		})
		if err == nil {
			err = r.Ping(ctx)
			store, a.closeStore = r, r.Close
		}
	case storeMongo:
		var m *signal.Mongo

		m, err = signal.NewMongo(ctx, signal.MongoConfig{
			URI:      a.mongoURI,
			Database: a.mongoDatabase,
			Timeout:  a.storeTimeout,
		})
		if err == nil {
			store = m
			a.closeStore = func() error {
				closeCtx, cancel := context.WithTimeout(context.Background(), a.storeTimeout)
				defer cancel()

				return m.Close(closeCtx)
			}
		}
	case storeFirestore:
		var f *signal.Firestore

		f, err = signal.NewFirestore(ctx, signal.FirestoreConfig{
			ProjectID:       a.firestoreProject,
			CredentialsFile: a.firestoreCredentials,
		})
		if err == nil {
			store, a.closeStore = f, f.Close
		}
	default:
		return errors.Errorf("unknown store %q", a.storeKind)
	}

	if err != nil {
		return errors.Wrapf(err, "%s store", a.storeKind)
	}

	a.directory = store
	a.store, err = a.seal(store)

	return err
}

func (a *App) seal(store signal.Store) (signal.Store, error) {
	if a.signalKey == "" {
		return store, nil
	}

	c, err := crypto.NewAesCbc(crypto.AesCbcConfig{Key: []byte(a.signalKey)})
	if err != nil {
		return nil, errors.Wrap(err, "signal crypto")
	}

	return signal.NewSealed(store, c), nil
}

func (a *App) setupMedia() error {
	switch a.mic {
	case micSilence:
		a.devices = peer.Silence{}
	case micDevice:
		capture, err := peer.NewCapture()
		if err != nil {
			return errors.Wrap(err, "microphone")
		}

		a.devices = capture
	default:
		return errors.Errorf("unknown microphone %q", a.mic)
	}

	a.sink = peer.DiscardSink{}

	if a.recordDir != "" {
		a.sink = peer.OggRecorder{Dir: a.recordDir}
	}

	return nil
}

func (a *App) negotiatorFactory(publisher peer.CandidatePublisher, self signal.PeerID) call.NegotiatorFactory {
	return func(conversationID string, _ signal.PeerID, handlers peer.Handlers) call.Negotiator {
		return peer.NewWebRTC(peer.WebRTCConfig{
			ConversationID:  conversationID,
			Self:            self,
			STUN:            a.stunServers,
			IncludeLoopback: a.loopback,
		}, publisher, a.devices, a.sink, handlers)
	}
}

func (a *App) runClient(ctx context.Context, cancel context.CancelFunc) error {
	log.Infof("Starting peercall, peer id: %s", a.identity.Peer)
	defer log.Info("Ending peercall")

	if a.closeStore != nil {
		defer func() {
			if err := a.closeStore(); err != nil {
				log.Warnf("Closing store: %v", err)
			}
		}()
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	wg.Add(1)
	go func() {
		defer wg.Done()

		if err := a.controller.Run(ctx); err != nil {
			log.Error(err)
		}
	}()

	if a.api != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()

			if err := a.api.Run(ctx); err != nil {
				log.Error(err)
				cancel()
			}
		}()
	}

	if a.autoAnswer {
		wg.Add(1)
		go func() {
			defer wg.Done()

			answerIncoming(ctx, a.controller)
		}()
	}

	if err := a.openConversation(ctx); err != nil {
		cancel()

		return err
	}

	<-ctx.Done()

	return nil
}

func (a *App) openConversation(ctx context.Context) error {
	id := a.conversation

	if id == "" && a.remotePeer != "" {
		id = signal.PrivateConversationID(a.identity.Peer, signal.PeerID(a.remotePeer))
	}

	if id == "" {
		return nil
	}

	if err := a.ensureConversation(ctx, id); err != nil {
		return err
	}

	if err := a.controller.Open(ctx, id); err != nil {
		return errors.Wrap(err, "open conversation")
	}

	if !a.placeCall {
		return nil
	}

	return errors.Wrap(a.controller.InitiateCall(ctx, id), "call")
}

// ensureConversation creates the private conversation with --peer when the store does
// not know it yet.
func (a *App) ensureConversation(ctx context.Context, id string) error {
	_, err := a.store.Members(ctx, id)
	if err == nil || !errors.Is(err, signal.ErrConversationNotFound) || a.remotePeer == "" {
		return nil
	}

	conv := signal.Conversation{
		ID:      id,
		Members: []signal.PeerID{a.identity.Peer, signal.PeerID(a.remotePeer)},
	}

	switch s := a.directory.(type) {
	case *signal.Memory:
		s.Seed(conv, nil)

		return nil
	case conversationCreator:
		return errors.Wrap(s.CreateConversation(ctx, conv), "create conversation")
	}

	return nil
}

// answerIncoming answers every call that starts ringing until ctx is done.
func answerIncoming(ctx context.Context, c *call.Controller) {
	events, cancel := c.Subscribe()
	defer cancel()

	tried := make(map[string]bool)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}

			id := ev.View.ConversationID

			if !ev.View.Incoming() {
				delete(tried, id)

				continue
			}

			if ev.View.HasSession || tried[id] {
				continue
			}

			tried[id] = true

			if err := c.AnswerCall(ctx, id); err != nil {
				log.Warnf("Auto-answer in %s: %v", id, err)
			}
		}
	}
}

func (a *App) listenOS(cancel context.CancelFunc) {
	sigchan := make(chan os.Signal, 1)
	ossignal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigchan
		cancel()
	}()
}
