// Package services is a small typed service registry.
//
// Services are registered under their Go type and an optional key, with a
// transient lifetime (the factory runs on every resolution) or a singleton
// lifetime (the factory runs once and the result is cached for the lifetime
// of the container). Keyed and unkeyed registrations of the same type are
// independent: resolving without a key never returns a keyed service.
//
//	c := services.New()
//	services.AddKeyed(c, "metrics", services.Singleton, func(*services.Container) (influxdb2.Client, error) {
//	    return influxdb2.NewClient(url, token), nil
//	})
//	client, err := services.ResolveKeyed[influxdb2.Client](c, "metrics")
package services

import (
	"errors"
	"fmt"
	"io"
	"reflect"
	"sync"
)

// ErrNotRegistered is returned when no registration matches the requested type and key.
var ErrNotRegistered = errors.New("service not registered")

// Lifetime controls how often a factory runs.
type Lifetime int

const (
	Transient Lifetime = iota
	Singleton
)

func (l Lifetime) String() string {
	if l == Singleton {
		return "singleton"
	}
	return "transient"
}

// Factory builds a service instance.
type Factory[T any] func(c *Container) (T, error)

type serviceKey struct {
	typ reflect.Type
	key any
}

func (k serviceKey) String() string {
	if k.key == nil {
		return k.typ.String()
	}
	return fmt.Sprintf("%s[%v]", k.typ, k.key)
}

type descriptor struct {
	lifetime Lifetime
	factory  func(*Container) (any, error)

	once     sync.Once
	instance any
	err      error
	built    bool
}

// Container holds registrations and cached singletons. Safe for concurrent use.
type Container struct {
	mu          sync.RWMutex
	descriptors map[serviceKey]*descriptor
	order       []serviceKey
}

// New creates an empty container.
func New() *Container {
	return &Container{
		descriptors: make(map[serviceKey]*descriptor),
	}
}

func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

func (c *Container) add(k serviceKey, lifetime Lifetime, factory func(*Container) (any, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.descriptors[k]; !exists {
		c.order = append(c.order, k)
	}
	c.descriptors[k] = &descriptor{lifetime: lifetime, factory: factory}
}

func validKey(key any) error {
	if key == nil {
		return fmt.Errorf("service key must not be nil")
	}
	if !reflect.TypeOf(key).Comparable() {
		return fmt.Errorf("service key of type %T is not comparable", key)
	}
	return nil
}

// Add registers an unkeyed service. A later registration for the same type replaces the earlier one.
func Add[T any](c *Container, lifetime Lifetime, factory Factory[T]) {
	c.add(serviceKey{typ: typeOf[T]()}, lifetime, func(c *Container) (any, error) {
		return factory(c)
	})
}

// AddKeyed registers a service under key. The key must be non-nil and comparable.
func AddKeyed[T any](c *Container, key any, lifetime Lifetime, factory Factory[T]) error {
	if err := validKey(key); err != nil {
		return err
	}
	c.add(serviceKey{typ: typeOf[T](), key: key}, lifetime, func(c *Container) (any, error) {
		return factory(c)
	})
	return nil
}

// AddInstance registers an already built singleton.
func AddInstance[T any](c *Container, instance T) {
	Add(c, Singleton, func(*Container) (T, error) { return instance, nil })
}

// AddKeyedInstance registers an already built singleton under key.
func AddKeyedInstance[T any](c *Container, key any, instance T) error {
	return AddKeyed(c, key, Singleton, func(*Container) (T, error) { return instance, nil })
}

// Resolve returns the unkeyed service of type T.
func Resolve[T any](c *Container) (T, error) {
	return resolve[T](c, serviceKey{typ: typeOf[T]()})
}

// ResolveKeyed returns the service of type T registered under key.
func ResolveKeyed[T any](c *Container, key any) (T, error) {
	if err := validKey(key); err != nil {
		var zero T
		return zero, err
	}
	return resolve[T](c, serviceKey{typ: typeOf[T](), key: key})
}

// MustResolve is like Resolve but panics on error.
func MustResolve[T any](c *Container) T {
	v, err := Resolve[T](c)
	if err != nil {
		panic(err)
	}
	return v
}

// MustResolveKeyed is like ResolveKeyed but panics on error.
func MustResolveKeyed[T any](c *Container, key any) T {
	v, err := ResolveKeyed[T](c, key)
	if err != nil {
		panic(err)
	}
	return v
}

// Has reports whether an unkeyed T is registered.
func Has[T any](c *Container) bool {
	return c.has(serviceKey{typ: typeOf[T]()})
}

// HasKeyed reports whether T is registered under key.
func HasKeyed[T any](c *Container, key any) bool {
	if validKey(key) != nil {
		return false
	}
	return c.has(serviceKey{typ: typeOf[T](), key: key})
}

func (c *Container) has(k serviceKey) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.descriptors[k]
	return ok
}

func resolve[T any](c *Container, k serviceKey) (T, error) {
	var zero T

	c.mu.RLock()
	d, ok := c.descriptors[k]
	c.mu.RUnlock()
	if !ok {
		return zero, fmt.Errorf("%w: %s", ErrNotRegistered, k)
	}

	var (
		v   any
		err error
	)
	if d.lifetime == Singleton {
		d.once.Do(func() {
			d.instance, d.err = d.factory(c)
			c.mu.Lock()
			d.built = true
			c.mu.Unlock()
		})
		v, err = d.instance, d.err
	} else {
		v, err = d.factory(c)
	}
	if err != nil {
		return zero, fmt.Errorf("failed to build %s: %w", k, err)
	}

	t, ok := v.(T)
	if !ok && v != nil {
		return zero, fmt.Errorf("service %s has unexpected type %T", k, v)
	}
	return t, nil
}

// Close releases built singletons implementing io.Closer or Close(), in
// reverse registration order.
func (c *Container) Close() error {
	c.mu.Lock()
	var instances []any
	for i := len(c.order) - 1; i >= 0; i-- {
		d := c.descriptors[c.order[i]]
		if d.lifetime == Singleton && d.built && d.err == nil && d.instance != nil {
			instances = append(instances, d.instance)
		}
	}
	c.mu.Unlock()

	var errs []error
	for _, inst := range instances {
		switch v := inst.(type) {
		case io.Closer:
			if err := v.Close(); err != nil {
				errs = append(errs, err)
			}
		case interface{ Close() }:
			v.Close()
		}
	}
	return errors.Join(errs...)
}
