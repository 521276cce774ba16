package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"geotracker/internal/storage"
)

// VendorAliasType is the reserved identifier-type code for vendor-unique
// alias keys.
const VendorAliasType = "TCUID"

// ErrUnknownIdentifierType means a message declared an identifier type
// that is not in the administrative vocabulary. This is a configuration
// error: callers drop the message instead of retrying.
var ErrUnknownIdentifierType = errors.New("unknown identifier type")

// ErrNoIdentity means the message carried neither a declared identity nor
// a vendor-unique alias, so there is nothing to resolve against.
var ErrNoIdentity = errors.New("no identity fields present")

// Query is the identity material extracted from one inbound message.
// DeclaredKey may be given directly, or derived from DeclaredType and
// DeclaredExternalID. VendorUniqueID is the optional vendor alias.
type Query struct {
	DeclaredKey        string
	DeclaredType       string
	DeclaredExternalID string
	VendorUniqueID     string
}

// Resolver maps message identities to tracker identifiers. On first
// sighting of an asset it creates the tracker and its identifier bindings;
// on cross-protocol sightings it links the new identity to the already
// known tracker.
//
// The decompose table rewrites embedded-identity prefixes found inside
// vendor unique ids, e.g. a vendor id "ADSB-ABCDEF" with the rewrite
// ADSB -> ICAO yields the secondary identity ICAO_ABCDEF.
type Resolver struct {
	store     storage.Store
	cache     *Cache
	decompose map[string]string
	log       zerolog.Logger

	typeMu sync.RWMutex
	types  map[string]*storage.TrackerIdentifierType
}

// NewResolver creates a resolver. decompose may be nil to disable embedded
// identity extraction prefix rewrites.
func NewResolver(store storage.Store, cache *Cache, decompose map[string]string, log zerolog.Logger) *Resolver {
	normalized := make(map[string]string, len(decompose))
	for from, to := range decompose {
		normalized[strings.ToUpper(from)] = strings.ToUpper(to)
	}
	return &Resolver{
		store:     store,
		cache:     cache,
		decompose: normalized,
		log:       log.With().Str("component", "identity-resolver").Logger(),
		types:     make(map[string]*storage.TrackerIdentifierType),
	}
}

// Resolve returns the tracker identifier for the message's identity,
// creating the tracker and any missing identifier bindings as a side
// effect. It prefers the declared identity over the vendor alias.
func (r *Resolver) Resolve(ctx context.Context, q Query) (*storage.TrackerIdentifier, error) {
	declaredKey, declaredType, declaredID := normalizeDeclared(q)

	vendorID := strings.ToUpper(strings.TrimSpace(q.VendorUniqueID))
	vendorKey := ""
	if vendorID != "" {
		vendorKey = storage.IdentKeyFor(VendorAliasType, vendorID)
	}

	if declaredKey == "" && vendorKey == "" {
		return nil, ErrNoIdentity
	}

	var declared, vendor *storage.TrackerIdentifier
	var err error
	if declaredKey != "" {
		declared, err = r.lookup(ctx, declaredKey)
		if err != nil {
			return nil, err
		}
	}
	if vendorKey != "" {
		vendor, err = r.lookup(ctx, vendorKey)
		if err != nil {
			return nil, err
		}
	}

	switch {
	case declared == nil && vendor == nil:
		return r.createFresh(ctx, declaredType, declaredID, vendorID)

	case declared != nil && vendor == nil:
		if vendorID != "" {
			if err := r.linkVendorAlias(ctx, declared.TrackerID, vendorID); err != nil {
				return nil, err
			}
		}
		return declared, nil

	case declared == nil && vendor != nil:
		if declaredKey == "" {
			return vendor, nil
		}
		created, err := r.createIdentifier(ctx, vendor.TrackerID, declaredType, declaredID)
		if err != nil {
			return nil, err
		}
		return created, nil

	default:
		if declared.TrackerID != vendor.TrackerID {
			// Two independent sightings turned out to share an identity.
			// There is no automatic tracker merge; the declared identity
			// wins and the split is left for an operator.
			r.log.Warn().
				Str("declared", declared.IdentKey).
				Str("vendor", vendor.IdentKey).
				Str("declared_tracker", declared.TrackerID.String()).
				Str("vendor_tracker", vendor.TrackerID.String()).
				Msg("identity conflict: declared key and vendor alias resolve to different trackers")
		}
		return declared, nil
	}
}

func normalizeDeclared(q Query) (key, typeCode, externalID string) {
	typeCode = strings.ToUpper(strings.TrimSpace(q.DeclaredType))
	externalID = strings.ToUpper(strings.TrimSpace(q.DeclaredExternalID))
	key = strings.ToUpper(strings.TrimSpace(q.DeclaredKey))
	if key == "" && typeCode != "" && externalID != "" {
		key = storage.IdentKeyFor(typeCode, externalID)
	}
	if typeCode == "" && key != "" {
		// Recover the type and external id from a pre-built key.
		if i := strings.Index(key, "_"); i > 0 {
			typeCode, externalID = key[:i], key[i+1:]
		}
	}
	return key, typeCode, externalID
}

func (r *Resolver) lookup(ctx context.Context, identkey string) (*storage.TrackerIdentifier, error) {
	ti, err := r.cache.Lookup(ctx, identkey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("identity lookup %s: %w", identkey, err)
	}
	return ti, nil
}

// createFresh handles the first sighting of an asset: one new tracker plus
// an identifier per present identity.
func (r *Resolver) createFresh(ctx context.Context, declaredType, declaredID, vendorID string) (*storage.TrackerIdentifier, error) {
	if (declaredType == "" || declaredID == "") && vendorID == "" {
		return nil, ErrNoIdentity
	}

	// Validate the vocabulary before creating anything.
	if declaredType != "" {
		if _, err := r.identifierType(ctx, declaredType); err != nil {
			return nil, err
		}
	}
	if vendorID != "" {
		if _, err := r.identifierType(ctx, VendorAliasType); err != nil {
			return nil, err
		}
	}

	tracker := &storage.Tracker{}
	if err := r.store.CreateTracker(ctx, tracker); err != nil {
		return nil, fmt.Errorf("create tracker: %w", err)
	}

	var primary *storage.TrackerIdentifier
	if declaredType != "" && declaredID != "" {
		created, err := r.createIdentifier(ctx, tracker.ID, declaredType, declaredID)
		if err != nil {
			return nil, err
		}
		primary = created
	}
	if vendorID != "" {
		created, err := r.createIdentifier(ctx, tracker.ID, VendorAliasType, vendorID)
		if err != nil {
			return nil, err
		}
		if primary == nil {
			primary = created
		}
		if err := r.linkDecomposed(ctx, tracker.ID, vendorID); err != nil {
			return nil, err
		}
	}

	r.log.Info().
		Str("tracker", tracker.ID.String()).
		Str("identkey", primary.IdentKey).
		Msg("new tracker")
	return primary, nil
}

// linkVendorAlias binds the vendor alias to an already known tracker, then
// tries to extract a secondary identity embedded in the vendor id.
func (r *Resolver) linkVendorAlias(ctx context.Context, trackerID uuid.UUID, vendorID string) error {
	if _, err := r.identifierType(ctx, VendorAliasType); err != nil {
		return err
	}
	if _, err := r.createIdentifier(ctx, trackerID, VendorAliasType, vendorID); err != nil {
		return err
	}
	return r.linkDecomposed(ctx, trackerID, vendorID)
}

// linkDecomposed extracts an embedded secondary identity from a vendor
// unique id of the form "<PREFIX>-<ID>" and binds it when the (possibly
// rewritten) prefix is a known identifier type.
func (r *Resolver) linkDecomposed(ctx context.Context, trackerID uuid.UUID, vendorID string) error {
	prefix, rest, ok := strings.Cut(vendorID, "-")
	if !ok || prefix == "" || rest == "" {
		return nil
	}
	if rewritten, found := r.decompose[prefix]; found {
		prefix = rewritten
	}

	if _, err := r.identifierType(ctx, prefix); err != nil {
		if errors.Is(err, ErrUnknownIdentifierType) {
			// Not every vendor id embeds an identity; a dash with an
			// unknown prefix is just an opaque vendor string.
			return nil
		}
		return err
	}

	identkey := storage.IdentKeyFor(prefix, rest)
	existing, err := r.lookup(ctx, identkey)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	_, err = r.createIdentifier(ctx, trackerID, prefix, rest)
	return err
}

func (r *Resolver) createIdentifier(ctx context.Context, trackerID uuid.UUID, typeCode, externalID string) (*storage.TrackerIdentifier, error) {
	if _, err := r.identifierType(ctx, typeCode); err != nil {
		return nil, err
	}

	ti := &storage.TrackerIdentifier{
		ExternalID: externalID,
		TypeCode:   typeCode,
		TrackerID:  trackerID,
	}
	if err := r.store.CreateIdentifier(ctx, ti); err != nil {
		return nil, fmt.Errorf("create identifier %s_%s: %w", typeCode, externalID, err)
	}
	r.cache.Put(*ti)
	return ti, nil
}

// identifierType checks the administrative vocabulary, caching positive
// hits. Misses are not cached: the vocabulary is fixed out-of-band, so a
// later message should see the correction.
func (r *Resolver) identifierType(ctx context.Context, code string) (*storage.TrackerIdentifierType, error) {
	code = strings.ToUpper(code)

	r.typeMu.RLock()
	t, ok := r.types[code]
	r.typeMu.RUnlock()
	if ok {
		return t, nil
	}

	t, err := r.store.GetIdentifierType(ctx, code)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIdentifierType, code)
	}
	if err != nil {
		return nil, fmt.Errorf("get identifier type %s: %w", code, err)
	}

	r.typeMu.Lock()
	r.types[code] = t
	r.typeMu.Unlock()
	return t, nil
}
