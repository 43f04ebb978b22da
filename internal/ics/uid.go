package ics

import (
	"github.com/google/uuid"

	"evcal/internal/model"
)

// uidNamespace scopes name-based UIDs generated by this encoder.
var uidNamespace = uuid.MustParse("0f7b3c1e-5d2a-4e86-9a61-3f2d8c4b7e90")

// UID derives the VEVENT UID of an occurrence. It depends only on the
// event/series id and the instance date, so re-rendering the same logical
// occurrence (edited, overridden or cancelled) keeps its UID.
func UID(src model.SourceID, domain string) string {
	id := uuid.NewSHA1(uidNamespace, []byte(src.String()))
	if domain == "" {
		return id.String()
	}
	return id.String() + "@" + domain
}
