package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all pipeline and API metrics
type Metrics struct {
	RequestCounter      metric.Int64Counter
	RequestDuration     metric.Float64Histogram
	DocumentsIngested   metric.Int64Counter
	ObjectsExtracted    metric.Int64Counter
	ChunksCreated       metric.Int64Counter
	EmbeddingsWritten   metric.Int64Counter
	StageDuration       metric.Float64Histogram
	SearchDuration      metric.Float64Histogram
	ProviderRetries     metric.Int64Counter
	CircuitBreakerState metric.Int64Counter
	TasksCompleted      metric.Int64Counter
}

// std is the process-wide metrics instance, set by InitMetrics. The
// package-level Record helpers below no-op until it is initialized so
// engines and providers never need a nil check.
var std *Metrics

// InitMetrics initializes all application metrics
func InitMetrics() (*Metrics, error) {
	meter := otel.Meter("saas-knowledge-platform")

	requestCounter, err := meter.Int64Counter(
		"http.requests.total",
		metric.WithDescription("Total HTTP requests"),
	)
	if err != nil {
		return nil, err
	}

	requestDuration, err := meter.Float64Histogram(
		"http.request.duration",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	documentsIngested, err := meter.Int64Counter(
		"pipeline.documents.ingested",
		metric.WithDescription("Documents that finished an ingestion run"),
	)
	if err != nil {
		return nil, err
	}

	objectsExtracted, err := meter.Int64Counter(
		"pipeline.objects.extracted",
		metric.WithDescription("Extracted objects written"),
	)
	if err != nil {
		return nil, err
	}

	chunksCreated, err := meter.Int64Counter(
		"pipeline.chunks.created",
		metric.WithDescription("Chunks written"),
	)
	if err != nil {
		return nil, err
	}

	embeddingsWritten, err := meter.Int64Counter(
		"pipeline.embeddings.written",
		metric.WithDescription("Embeddings upserted"),
	)
	if err != nil {
		return nil, err
	}

	stageDuration, err := meter.Float64Histogram(
		"pipeline.stage.duration",
		metric.WithDescription("Pipeline stage duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	searchDuration, err := meter.Float64Histogram(
		"search.duration",
		metric.WithDescription("Search request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	providerRetries, err := meter.Int64Counter(
		"provider.retries.total",
		metric.WithDescription("Transient provider errors retried"),
	)
	if err != nil {
		return nil, err
	}

	circuitBreakerState, err := meter.Int64Counter(
		"circuit_breaker.state_changes",
		metric.WithDescription("Circuit breaker state changes"),
	)
	if err != nil {
		return nil, err
	}

	tasksCompleted, err := meter.Int64Counter(
		"tasks.completed.total",
		metric.WithDescription("Background tasks reaching a terminal state"),
	)
	if err != nil {
		return nil, err
	}

	std = &Metrics{
		RequestCounter:      requestCounter,
		RequestDuration:     requestDuration,
		DocumentsIngested:   documentsIngested,
		ObjectsExtracted:    objectsExtracted,
		ChunksCreated:       chunksCreated,
		EmbeddingsWritten:   embeddingsWritten,
		StageDuration:       stageDuration,
		SearchDuration:      searchDuration,
		ProviderRetries:     providerRetries,
		CircuitBreakerState: circuitBreakerState,
		TasksCompleted:      tasksCompleted,
	}
	return std, nil
}

// RecordRequest records HTTP request metrics
func (m *Metrics) RecordRequest(method, path, status string, duration float64) {
	attrs := []attribute.KeyValue{
		attribute.String("http.method", method),
		attribute.String("http.path", path),
		attribute.String("http.status", status),
	}

	m.RequestCounter.Add(context.Background(), 1, metric.WithAttributes(attrs...))
	m.RequestDuration.Record(context.Background(), duration, metric.WithAttributes(attrs...))
}

// RecordStage records one pipeline stage run
func (m *Metrics) RecordStage(stage, status string, duration float64) {
	attrs := []attribute.KeyValue{
		attribute.String("pipeline.stage", stage),
		attribute.String("pipeline.status", status),
	}

	m.StageDuration.Record(context.Background(), duration, metric.WithAttributes(attrs...))
	if stage == "embedding" && status == "success" {
		m.DocumentsIngested.Add(context.Background(), 1)
	}
}

// RecordExtraction records objects written by one extraction session
func (m *Metrics) RecordExtraction(provider string, objects int64) {
	attrs := []attribute.KeyValue{
		attribute.String("extraction.provider", provider),
	}

	m.ObjectsExtracted.Add(context.Background(), objects, metric.WithAttributes(attrs...))
}

// RecordChunks records chunks written by one chunk session
func (m *Metrics) RecordChunks(strategy string, chunks int64) {
	attrs := []attribute.KeyValue{
		attribute.String("chunking.strategy", strategy),
	}

	m.ChunksCreated.Add(context.Background(), chunks, metric.WithAttributes(attrs...))
}

// RecordEmbeddings records embedding upserts for one batch
func (m *Metrics) RecordEmbeddings(model string, count int64) {
	attrs := []attribute.KeyValue{
		attribute.String("embedding.model", model),
	}

	m.EmbeddingsWritten.Add(context.Background(), count, metric.WithAttributes(attrs...))
}

// RecordSearch records one search request
func (m *Metrics) RecordSearch(mode string, duration float64, results int) {
	attrs := []attribute.KeyValue{
		attribute.String("search.mode", mode),
		attribute.Int("search.results", results),
	}

	m.SearchDuration.Record(context.Background(), duration, metric.WithAttributes(attrs...))
}

// RecordProviderRetry records one retried transient provider error
func (m *Metrics) RecordProviderRetry(provider string) {
	attrs := []attribute.KeyValue{
		attribute.String("provider", provider),
	}

	m.ProviderRetries.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

// RecordCircuitBreakerState records circuit breaker state changes
func (m *Metrics) RecordCircuitBreakerState(service, state string) {
	attrs := []attribute.KeyValue{
		attribute.String("service", service),
		attribute.String("state", state),
	}

	m.CircuitBreakerState.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

// RecordTaskCompleted records a task reaching a terminal state
func (m *Metrics) RecordTaskCompleted(kind, status string) {
	attrs := []attribute.KeyValue{
		attribute.String("task.kind", kind),
		attribute.String("task.status", status),
	}

	m.TasksCompleted.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

// Package-level helpers delegating to the process instance.

func RecordStage(stage, status string, duration float64) {
	if std != nil {
		std.RecordStage(stage, status, duration)
	}
}

func RecordExtraction(provider string, objects int64) {
	if std != nil {
		std.RecordExtraction(provider, objects)
	}
}

func RecordChunks(strategy string, chunks int64) {
	if std != nil {
		std.RecordChunks(strategy, chunks)
	}
}

func RecordEmbeddings(model string, count int64) {
	if std != nil {
		std.RecordEmbeddings(model, count)
	}
}

func RecordSearch(mode string, duration float64, results int) {
	if std != nil {
		std.RecordSearch(mode, duration, results)
	}
}

func RecordProviderRetry(provider string) {
	if std != nil {
		std.RecordProviderRetry(provider)
	}
}

func RecordCircuitBreakerState(service, state string) {
	if std != nil {
		std.RecordCircuitBreakerState(service, state)
	}
}

func RecordTaskCompleted(kind, status string) {
	if std != nil {
		std.RecordTaskCompleted(kind, status)
	}
}
