package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// FlushBuckets for synchronizer flushes; a flush performs no I/O.
	FlushBuckets = []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1}

	// PatchBytesBuckets for encoded replication messages
	PatchBytesBuckets = []float64{64, 256, 1024, 4096, 16384, 65536, 262144, 1048576}
)

// State tree metrics
var (
	// TreeSerial tracks the last stamp handed out by the tree
	TreeSerial Gauge = NoopStat{}

	// MutationsTotal counts mutations received over HTTP by op (set, delete) and result
	MutationsTotal CounterVec = noopVec{}

	// DiffsTotal counts diff computations by result (patch, unchanged, unknown)
	DiffsTotal CounterVec = noopVec{}

	// DiffNodesVisited counts containers walked by diff (unchanged subtrees are skipped)
	DiffNodesVisited Counter = NoopStat{}
)

// Synchronizer metrics
var (
	// FlushesTotal counts flush passes
	FlushesTotal Counter = NoopStat{}

	// FlushDurationSeconds measures flush latency
	FlushDurationSeconds Histogram = NoopStat{}

	// CallbacksTotal counts synchronizer callbacks by result (ok, error, panic)
	CallbacksTotal CounterVec = noopVec{}

	// Synchronizers tracks registered synchronizers
	Synchronizers Gauge = NoopStat{}

	// CallbackInstances tracks installed terminal instances
	CallbackInstances Gauge = NoopStat{}

	// StructuralWatches tracks containers watched for key creation/removal
	StructuralWatches Gauge = NoopStat{}
)

// Replication metrics
var (
	// ReplicaSessions tracks connected replication sessions by transport (ws, mirror)
	ReplicaSessions GaugeVec = noopGaugeVec{}

	// ReplicaMessagesTotal counts replication messages sent by type (init, diff)
	ReplicaMessagesTotal CounterVec = noopVec{}

	// ReplicaDropsTotal counts sessions dropped because the peer could not keep up
	ReplicaDropsTotal Counter = NoopStat{}

	// PatchBytes measures encoded replication message sizes
	PatchBytes Histogram = NoopStat{}

	// MirrorPublishTotal counts sink publishes by sink type and result
	MirrorPublishTotal CounterVec = noopVec{}

	// StateCacheTotal counts GET /state body cache lookups by result (hit, miss)
	StateCacheTotal CounterVec = noopVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	TreeSerial = NewGauge(
		"tree_serial",
		"Last serial handed out by the state tree",
	)
	MutationsTotal = NewCounterVec(
		"mutations_total",
		"State mutations received over HTTP by op and result",
		[]string{"op", "result"},
	)
	DiffsTotal = NewCounterVec(
		"diffs_total",
		"Diff computations by result",
		[]string{"result"},
	)
	DiffNodesVisited = NewCounter(
		"diff_nodes_visited_total",
		"Containers walked while computing diffs",
	)

	FlushesTotal = NewCounter(
		"flushes_total",
		"Synchronizer flush passes",
	)
	FlushDurationSeconds = NewHistogramWithBuckets(
		"flush_duration_seconds",
		"Synchronizer flush duration in seconds",
		FlushBuckets,
	)
	CallbacksTotal = NewCounterVec(
		"callbacks_total",
		"Synchronizer callbacks by result",
		[]string{"result"},
	)
	Synchronizers = NewGauge(
		"synchronizers",
		"Registered synchronizers",
	)
	CallbackInstances = NewGauge(
		"callback_instances",
		"Installed callback instances",
	)
	StructuralWatches = NewGauge(
		"structural_watches",
		"Containers watched for key creation and removal",
	)

	ReplicaSessions = NewGaugeVec(
		"replica_sessions",
		"Connected replication sessions by transport",
		[]string{"transport"},
	)
	ReplicaMessagesTotal = NewCounterVec(
		"replica_messages_total",
		"Replication messages sent by type",
		[]string{"type"},
	)
	ReplicaDropsTotal = NewCounter(
		"replica_drops_total",
		"Replication sessions dropped for falling behind",
	)
	PatchBytes = NewHistogramWithBuckets(
		"patch_bytes",
		"Encoded replication message size in bytes",
		PatchBytesBuckets,
	)
	MirrorPublishTotal = NewCounterVec(
		"mirror_publish_total",
		"Mirror sink publishes by sink and result",
		[]string{"sink", "result"},
	)
	StateCacheTotal = NewCounterVec(
		"state_cache_total",
		"GET /state body cache lookups by result",
		[]string{"result"},
	)
}

// UpdateRegistryStats publishes a registry census.
func UpdateRegistryStats(synchronizers, instances, watches int) {
	Synchronizers.Set(float64(synchronizers))
	CallbackInstances.Set(float64(instances))
	StructuralWatches.Set(float64(watches))
}
