package watcher

import (
	"context"
	"errors"
)

var ErrUnknownCompany = errors.New("unknown company")

// Shown when the directory can't tell who is calling.
const UnknownCompany = "Unknown company"

// Directory resolves the display names of the companies.
type Directory interface {
	DisplayName(ctx context.Context, companyID string) (string, error)
}

// A directory loaded from the configuration: company id to display name.
type StaticDirectory map[string]string

func (d StaticDirectory) DisplayName(_ context.Context, companyID string) (string, error) {
	name, ok := d[companyID]
	if !ok || name == "" {
		return "", ErrUnknownCompany
	}

	return name, nil
}
