package registry

// Service is implemented by long-running background workers.
type Service interface {
	Start() error
	Stop() error
}
