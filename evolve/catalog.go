// Package evolve owns the service catalog the agent sells from and the
// daily price-evolution loop that adjusts it to demand.
package evolve

import (
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"reflect"
	"strings"
	"sync"
	"time"

	"sovereignd/persist"
)

// ErrUnknownService is returned for service IDs absent from the catalog.
var ErrUnknownService = errors.New("evolve: unknown service")

// Service is one sellable offering. Prices are canonical micro-units.
type Service struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Price       *big.Int  `json:"price"`
	Active      bool      `json:"active"`
	LastOrderAt time.Time `json:"last_order_at"`
	// OrdersDay buckets OrdersToday so the counter resets naturally at
	// each UTC date boundary.
	OrdersDay   string `json:"orders_day"`
	OrdersToday int    `json:"orders_today"`
}

// Catalog is the persistent service list. All mutations write through to
// disk atomically and verify the write by reading it back.
type Catalog struct {
	mu       sync.Mutex
	path     string
	services map[string]*Service
	now      func() time.Time
}

// OpenCatalog loads the catalog at path, creating an empty one if missing.
func OpenCatalog(path string) (*Catalog, error) {
	c := &Catalog{
		path:     path,
		services: make(map[string]*Service),
		now:      time.Now,
	}
	var stored []*Service
	if err := persist.ReadJSON(path, &stored); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	for _, svc := range stored {
		c.services[svc.ID] = svc
	}
	return c, nil
}

// WithClock overrides the catalog clock, for tests.
func (c *Catalog) WithClock(now func() time.Time) *Catalog {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now != nil {
		c.now = now
	}
	return c
}

// Add inserts or replaces a service and persists the catalog.
func (c *Catalog) Add(svc Service) error {
	svc.ID = strings.TrimSpace(svc.ID)
	if svc.ID == "" {
		return fmt.Errorf("evolve: service id required")
	}
	if svc.Price == nil || svc.Price.Sign() < 0 {
		return fmt.Errorf("evolve: service %s needs a non-negative price", svc.ID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	copied := svc
	copied.Price = new(big.Int).Set(svc.Price)
	c.services[copied.ID] = &copied
	return c.saveLocked()
}

// Get returns a copy of one service.
func (c *Catalog) Get(id string) (Service, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	svc, ok := c.services[id]
	if !ok {
		return Service{}, ErrUnknownService
	}
	return cloneService(svc), nil
}

// List returns copies of every service.
func (c *Catalog) List() []Service {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Service, 0, len(c.services))
	for _, svc := range c.services {
		out = append(out, cloneService(svc))
	}
	return out
}

// RecordOrder notes a sale against a service, feeding the demand signals
// the price loop reads.
func (c *Catalog) RecordOrder(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	svc, ok := c.services[id]
	if !ok {
		return ErrUnknownService
	}
	now := c.now().UTC()
	day := now.Format("2006-01-02")
	if svc.OrdersDay != day {
		svc.OrdersDay = day
		svc.OrdersToday = 0
	}
	svc.OrdersToday++
	svc.LastOrderAt = now
	return c.saveLocked()
}

// saveLocked writes the catalog atomically and verifies the bytes landed by
// reading them back.
func (c *Catalog) saveLocked() error {
	out := make([]*Service, 0, len(c.services))
	for _, svc := range c.services {
		out = append(out, svc)
	}
	if err := persist.WriteJSON(c.path, out); err != nil {
		return err
	}
	var verify []*Service
	if err := persist.ReadJSON(c.path, &verify); err != nil {
		return fmt.Errorf("evolve: catalog read-back: %w", err)
	}
	byID := make(map[string]*Service, len(verify))
	for _, svc := range verify {
		byID[svc.ID] = svc
	}
	for id, svc := range c.services {
		got, ok := byID[id]
		if !ok || !reflect.DeepEqual(normalise(svc), normalise(got)) {
			return fmt.Errorf("evolve: catalog read-back mismatch for %s", id)
		}
	}
	return nil
}

func normalise(svc *Service) Service {
	out := cloneService(svc)
	out.LastOrderAt = out.LastOrderAt.UTC()
	return out
}

func cloneService(svc *Service) Service {
	out := *svc
	out.Price = new(big.Int).Set(svc.Price)
	return out
}
