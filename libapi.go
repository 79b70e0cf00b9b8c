package careflow

import (
	runtimepkg "github.com/careflow/careflow/internal/runtime"
	configpkg "github.com/careflow/careflow/internal/runtime/config"
	failurepkg "github.com/careflow/careflow/internal/runtime/failure"
	headerspkg "github.com/careflow/careflow/internal/runtime/headers"
	idspkg "github.com/careflow/careflow/internal/runtime/ids"
	"github.com/careflow/careflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/careflow/careflow/internal/runtime/logging"
	newtransport "github.com/careflow/careflow/transport"
)

type (
	Config       = configpkg.Config
	Service      = runtimepkg.Service
	Dependencies = runtimepkg.Dependencies

	Handler      = runtimepkg.Handler
	ConsumerLoop = runtimepkg.ConsumerLoop

	Scheduler        = runtimepkg.Scheduler
	SchedulerOptions = runtimepkg.SchedulerOptions
	JobHandler       = runtimepkg.JobHandler

	Reconciler         = runtimepkg.Reconciler
	ReconcileStats     = runtimepkg.ReconcileStats
	DesiredTrigger     = runtimepkg.DesiredTrigger
	DesiredStateSource = runtimepkg.DesiredStateSource
	DesiredStateFunc   = runtimepkg.DesiredStateFunc

	RetryWriter      = runtimepkg.RetryWriter
	DeadLetterWriter = runtimepkg.DeadLetterWriter

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	// Modular transport types
	Transport         = newtransport.Transport
	TransportBuilder  = newtransport.Builder
	TransportConfig   = newtransport.Config
	TransportRegistry = newtransport.Registry
)

var (
	NewService     = runtimepkg.NewService
	ValidateConfig = configpkg.ValidateConfig

	NewScheduler  = runtimepkg.NewScheduler
	NewReconciler = runtimepkg.NewReconciler

	// Error classification. Handlers wrap failures with Transient or
	// DeadLetter to steer the consumer loop; unwrapped errors
	// dead-letter by default.
	Transient  = failurepkg.Transient
	Transientf = failurepkg.Transientf
	DeadLetter = failurepkg.DeadLetter
	Fatal      = failurepkg.Fatal

	ErrTransient  = failurepkg.ErrTransient
	ErrDeadLetter = failurepkg.ErrDeadLetter
	ErrFatal      = failurepkg.ErrFatal

	// Topic companions
	RetryTopic = runtimepkg.RetryTopic
	ErrorTopic = runtimepkg.ErrorTopic

	// Modular transport registry. Import individual transports via:
	// _ "github.com/careflow/careflow/transport/kafka"
	DefaultTransportRegistry = newtransport.DefaultRegistry
	RegisterTransport        = newtransport.Register
	BuildTransport           = newtransport.Build

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger

	CreateULID = idspkg.CreateULID
)

// Message header keys used on domain topics and their retry/error
// companions.
const (
	HeaderExceptionService  = headerspkg.ExceptionService
	HeaderExceptionFacility = headerspkg.ExceptionFacility
	HeaderExceptionMessage  = headerspkg.ExceptionMessage
	HeaderCorrelationID     = headerspkg.CorrelationID
	HeaderRetryAttempt      = headerspkg.RetryAttempt

	// HeaderPartitionKey routes a message to a stable Kafka partition.
	// Set it to the patient or entity id whose ordering matters.
	HeaderPartitionKey = headerspkg.PartitionKey
)

// Scheduler well-known values.
const (
	JobGroupRetry      = runtimepkg.JobGroupRetry
	JobTypeRetryReplay = runtimepkg.JobTypeRetryReplay
)
