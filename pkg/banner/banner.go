package banner

import (
	"fmt"

	"talkd/pkg/config"
)

const banner = `
████████╗ █████╗ ██╗     ██╗  ██╗██████╗
╚══██╔══╝██╔══██╗██║     ██║ ██╔╝██╔══██╗
   ██║   ███████║██║     █████╔╝ ██║  ██║
   ██║   ██╔══██║██║     ██╔═██╗ ██║  ██║
   ██║   ██║  ██║███████╗██║  ██╗██████╔╝
   ╚═╝   ╚═╝  ╚═╝╚══════╝╚═╝  ╚═╝╚═════╝
`

// Print renders the startup banner with the effective configuration and a
// few production readiness hints.
func Print(eff config.Effective, version string) {
	addr := eff.Addr
	if addr == "" && eff.Config != nil {
		addr = eff.Config.Addr()
	}

	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Listen:   %s\n", addr)
	fmt.Printf("DB Path:  %s\n", eff.DBPath)
	if version != "" {
		fmt.Printf("Version:  %s\n", version)
	}
	fmt.Printf("Config:   %s\n", eff.Source)

	fmt.Println("\n== Examples ===================================================")
	fmt.Println("curl -X POST 'http://<host>:<port>/v1/conversations' -d '{\"tenant_id\":\"t1\",\"participants\":[\"u1\"]}'")
	fmt.Println("curl 'http://<host>:<port>/v1/conversations/<id>?from_seq=1&limit=50'")

	fmt.Println("\n== Production? ================================================")
	be, fe, ak, sk := 0, 0, 0, 0
	if eff.Config != nil {
		be = len(eff.Config.Security.APIKeys.Backend)
		fe = len(eff.Config.Security.APIKeys.Frontend)
		ak = len(eff.Config.Security.APIKeys.Admin)
		sk = len(eff.Config.Security.SigningKeys)
	}
	if be > 0 {
		fmt.Printf("- Backend API keys: OK (%d)\n", be)
	} else {
		fmt.Println("- Backend API keys: MISSING (required for backend services)")
	}
	if fe > 0 {
		fmt.Printf("- Frontend API keys: OK (%d)\n", fe)
	} else {
		fmt.Println("- Frontend API keys: MISSING (required for client access)")
	}
	if ak > 0 {
		fmt.Printf("- Admin API keys: OK (%d)\n", ak)
	} else {
		fmt.Println("- Admin API keys: MISSING (required for admin tooling)")
	}
	if sk > 0 {
		fmt.Printf("- Signing keys: OK (%d)\n", sk)
	} else {
		fmt.Println("- Signing keys: MISSING (required for user signatures)")
	}
	if eff.Config != nil && eff.Config.Server.TLS.CertFile != "" && eff.Config.Server.TLS.KeyFile != "" {
		fmt.Println("- TLS: configured")
	} else {
		fmt.Println("- TLS: unconfigured")
	}
	if eff.Config != nil && eff.Config.Retention.Enabled {
		fmt.Printf("- Retention: enabled (cron=%s)\n", eff.Config.Retention.Cron)
	} else {
		fmt.Println("- Retention: disabled")
	}

	fmt.Println("\n== Logs =======================================================")
}
