package userapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lnvps/api/pkg/billing"
	"github.com/lnvps/api/pkg/lightning"
	"github.com/lnvps/api/pkg/provisioner"
	"github.com/lnvps/api/pkg/repo"
)

// Mount wires every user-API resource onto apiRouter (the authenticated
// /api/v1 sub-router) and the LNURL-pay metadata endpoint
// (/.well-known/lnurlp) onto root (unauthenticated),
// the same pattern as the teacher's app.go mounting one handler's Routes()
// per resource. authMW is applied inside each handler's own Routes(), not
// here, so VMHandler can exempt its renew-lnurlp route from it.
func Mount(root, apiRouter chi.Router, r repo.Repository, p *provisioner.Provisioner, b *billing.Engine, lightningP lightning.Provider, authMW func(http.Handler) http.Handler, publicHost string) {
	apiRouter.Mount("/account", NewAccountHandler(r, authMW).Routes())
	apiRouter.Mount("/ssh-key", NewSSHKeyHandler(r, authMW).Routes())
	apiRouter.Mount("/vm", NewVMHandler(r, p, b, lightningP, authMW).Routes())
	apiRouter.Mount("/image", NewCatalogHandler(r, authMW).ImageRoutes())
	apiRouter.Mount("/payment", NewPaymentHandler(r, authMW).Routes())

	root.Mount("/.well-known/lnurlp", NewLNURLHandler(r, publicHost).Routes())
}
