// Package store provides component-store backends for staged shapefile
// bundle bytes: local filesystem for development and S3 / GCS / Azure Blob
// for object storage deployments. All backends support sequential forward
// reads; an absent ref yields *domain.MissingComponentError.
package store

import (
	"fmt"
	"strings"

	"shapelake/internal/domain"
)

// ComponentRef builds the canonical storage ref for a session component.
func ComponentRef(sessionID string, kind domain.ComponentKind) string {
	return fmt.Sprintf("sessions/%s/bundle.%s", sessionID, kind)
}

// validRef rejects refs that could escape the backend's root.
func validRef(ref string) error {
	if ref == "" || strings.HasPrefix(ref, "/") || strings.Contains(ref, "..") {
		return domain.ErrValidation("invalid component ref %q", ref)
	}
	return nil
}
