package ports

import "go.trai.ch/kiln/internal/core/domain"

// ModuleResolver resolves a plugin or preset module reference written in a
// config relative to dirname.
//
//go:generate mockgen -source=modules.go -destination=mocks/mock_modules.go -package=mocks
type ModuleResolver interface {
	Resolve(kind domain.EntryKind, request, dirname string) (*domain.Module, error)
}
