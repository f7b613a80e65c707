package interfaces

import (
	"context"

	"github.com/ternarybob/phishwatch/internal/models"
)

// StaticExtractor derives features from the URL text alone
type StaticExtractor interface {
	ExtractStatic(ctx context.Context, url string) (models.FeatureMap, error)
}

// ReputationLookup derives features from registration and certificate data
type ReputationLookup interface {
	LookupReputation(ctx context.Context, url string) (models.FeatureMap, error)
}

// RendererInjector loads the rendered-document component into a context.
// The component later reports ready through a push-style signal.
type RendererInjector interface {
	Inject(ctx context.Context, contextID int64, url string) error
}

// RenderedExtractor queries the rendered document. Only valid after a
// successful handshake for the context.
type RenderedExtractor interface {
	QueryRendered(ctx context.Context, contextID int64, url string) (models.FeatureMap, error)
}

// Renderer is the in-process renderer: injection, querying and teardown
type Renderer interface {
	RendererInjector
	RenderedExtractor
	Close(contextID int64) error
}

// Classifier produces an outcome for a merged feature map
type Classifier interface {
	Predict(ctx context.Context, contextID int64, features models.FeatureMap) (*models.Outcome, error)
}
