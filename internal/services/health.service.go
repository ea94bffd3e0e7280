package services

import "fmt"

// HealthService aggregates readiness checks from the wired backends.
type HealthService struct {
	checks map[string]func() error
}

func NewHealthService() *HealthService {
	return &HealthService{checks: make(map[string]func() error)}
}

func (s *HealthService) Register(name string, check func() error) {
	s.checks[name] = check
}

func (s *HealthService) Get() error {
	for name, check := range s.checks {
		if err := check(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}
