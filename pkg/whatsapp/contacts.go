package whatsapp

import (
	"context"
	"errors"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types"

	"github.com/lrhodin/w2d/pkg/connector"
)

const contactCacheTTL = 30 * time.Minute

// contactResolver resolves JIDs into display info. Profile picture lookups
// are a network round trip, so results are cached.
type contactResolver struct {
	wa    *whatsmeow.Client
	log   zerolog.Logger
	cache *ttlcache.Cache[types.JID, connector.Contact]
}

func newContactResolver(wa *whatsmeow.Client, log zerolog.Logger) *contactResolver {
	cache := ttlcache.New[types.JID, connector.Contact](
		ttlcache.WithTTL[types.JID, connector.Contact](contactCacheTTL),
	)
	go cache.Start()
	return &contactResolver{wa: wa, log: log, cache: cache}
}

func (r *contactResolver) Close() {
	r.cache.Stop()
}

// Invalidate drops a cached contact, e.g. after a push name change.
func (r *contactResolver) Invalidate(jid types.JID) {
	r.cache.Delete(jid.ToNonAD())
}

func (r *contactResolver) Resolve(ctx context.Context, jid types.JID, pushName string) connector.Contact {
	jid = jid.ToNonAD()
	if item := r.cache.Get(jid); item != nil {
		contact := item.Value()
		if pushName != "" && contact.PushName == "" {
			contact.PushName = pushName
		}
		return contact
	}
	contact := connector.Contact{ID: jid.String(), PushName: pushName}
	if jid.Server == types.DefaultUserServer {
		contact.Phone = "+" + jid.User
	}
	if r.wa.Store != nil && r.wa.Store.Contacts != nil {
		info, err := r.wa.Store.Contacts.GetContact(ctx, jid)
		if err != nil {
			r.log.Warn().Err(err).Stringer("jid", jid).Msg("Failed to get contact from store")
		} else if info.Found {
			contact.FullName = info.FullName
			contact.FirstName = info.FirstName
			contact.BusinessName = info.BusinessName
			if contact.PushName == "" {
				contact.PushName = info.PushName
			}
		}
	}
	pic, err := r.wa.GetProfilePictureInfo(ctx, jid, &whatsmeow.GetProfilePictureParams{Preview: true})
	switch {
	case err == nil && pic != nil:
		contact.AvatarURL = pic.URL
	case err != nil && !errors.Is(err, whatsmeow.ErrProfilePictureNotSet) && !errors.Is(err, whatsmeow.ErrProfilePictureUnauthorized):
		r.log.Debug().Err(err).Stringer("jid", jid).Msg("Failed to get profile picture")
	}
	r.cache.Set(jid, contact, ttlcache.DefaultTTL)
	return contact
}
