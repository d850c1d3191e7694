package exchange

import (
	"math/rand"
	"runtime"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"relaymesh/internal/metrics"
	"relaymesh/internal/proto"
)

const (
	DefaultMaxConnections   = 8
	DefaultDialers          = 3
	DefaultAcceptors        = 3
	DefaultBucketCap        = 128
	DefaultAddrPruneCeiling = 1024
	DefaultListLimit        = 256
	DefaultHandshakeTimeout = 30 * time.Second
	DefaultDialInterval     = time.Second
	DefaultPumpInterval     = 100 * time.Millisecond
)

const (
	quorum = 3

	refreshInterval          = 30 * time.Second
	reduceInterval           = 3 * time.Minute
	blockUploadInterval      = 5 * time.Second
	blockDownloadInterval    = 30 * time.Second
	metadataUploadInterval   = 30 * time.Second
	metadataDownloadInterval = 30 * time.Second
	schedulerTick            = time.Second

	locationInterval    = 3 * time.Minute
	clueResultInterval  = 30 * time.Second
	blockResultInterval = 500 * time.Millisecond

	idleTimeout  = 3 * time.Minute
	evictMinAge  = 5 * time.Minute
	evictPerPass = 1

	attemptSurvival        = 3 * time.Minute
	localWantSurvival      = 10 * time.Minute
	pushedLinkSurvival     = 3 * time.Minute
	pushedRequestSurvival  = 10 * time.Minute
	pulledLocationSurvival = 3 * time.Minute
	pulledLinkSurvival     = 10 * time.Minute
	linkFilterSurvival     = 30 * time.Minute
	pulledRequestSurvival  = 10 * time.Minute
	pulledClueSurvival     = 3 * time.Minute
	prioritySurvival       = 10 * time.Minute

	otherUploadCeiling = 1024 * 256
	diffusionPerPeer   = 128
	uploadPerPeer      = 256
	minPriorityTake    = 16

	uploadRouteK       = 2
	downloadRouteK     = 16
	metaUploadRouteK   = 1
	metaDownloadRouteK = 3

	outQueueSize = 4
	inQueueSize  = 16
	recvBatch    = 8
)

type Options struct {
	ID proto.NodeID

	MaxConnections   int
	Dialers          int
	Acceptors        int
	Workers          int
	BucketCap        int
	AddrPruneCeiling int

	MaxLocations        int
	MaxBlockLinks       int
	MaxBlockRequests    int
	MaxMetadataRequests int
	MaxMetadataResults  int

	HandshakeTimeout time.Duration
	DialInterval     time.Duration
	PumpInterval     time.Duration

	MyAddresses []proto.Address

	Log     *zap.Logger
	Clock   clock.Clock
	Rand    *rand.Rand
	Metrics *metrics.Metrics
}

func DefaultWorkers() int {
	n := runtime.NumCPU() / 2
	if n < 2 {
		n = 2
	}
	return n
}

func (o Options) withDefaults() Options {
	setInt := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}
	setInt(&o.MaxConnections, DefaultMaxConnections)
	setInt(&o.Dialers, DefaultDialers)
	setInt(&o.Acceptors, DefaultAcceptors)
	setInt(&o.Workers, DefaultWorkers())
	setInt(&o.BucketCap, DefaultBucketCap)
	setInt(&o.AddrPruneCeiling, DefaultAddrPruneCeiling)
	setInt(&o.MaxLocations, DefaultListLimit)
	setInt(&o.MaxBlockLinks, DefaultListLimit)
	setInt(&o.MaxBlockRequests, DefaultListLimit)
	setInt(&o.MaxMetadataRequests, DefaultListLimit)
	setInt(&o.MaxMetadataResults, DefaultListLimit)
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.DialInterval <= 0 {
		o.DialInterval = DefaultDialInterval
	}
	if o.PumpInterval <= 0 {
		o.PumpInterval = DefaultPumpInterval
	}
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Rand == nil {
		o.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if o.Metrics == nil {
		o.Metrics = metrics.New()
	}
	return o
}
