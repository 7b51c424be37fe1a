package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"ocpihub.org/internal/ocpi"
	"ocpihub.org/internal/ocpiclient"
)

func main() {
	log.SetFlags(0)
	var (
		versionsURL = flag.String("url", os.Getenv("OCPI_PROBE_URL"), "partner versions URL")
		token       = flag.String("token", os.Getenv("OCPI_PROBE_TOKEN"), "token to authenticate with")
		module      = flag.String("module", "", "module to list from the partner's SENDER endpoint")
		maxPages    = flag.Int("pages", 10, "page limit for -module")
		timeout     = flag.Duration("timeout", 15*time.Second, "overall deadline")
	)
	flag.Parse()
	if *versionsURL == "" || *token == "" {
		log.Fatal("usage: ocpi-probe -url <versions url> -token <token> [-module locations]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	cl := ocpiclient.New(*token, ocpiclient.Options{Timeout: *timeout})
	versions, err := cl.Versions(ctx, *versionsURL)
	if err != nil {
		log.Fatalf("versions: %v", err)
	}
	v, ok := ocpi.HighestMutual(ocpi.SupportedVersions, versions)
	if !ok {
		log.Fatalf("no mutual version in %v", versions)
	}
	details, err := cl.VersionDetails(ctx, v.URL)
	if err != nil {
		log.Fatalf("version details %s: %v", v.Version, err)
	}

	fmt.Printf("version %s\n", details.Version)
	for _, ep := range details.Endpoints {
		fmt.Printf("  %-16s %-8s %s\n", ep.Identifier, ep.Role, ep.URL)
	}
	credsEP, ok := ocpi.FindEndpoint(details.Endpoints, ocpi.ModuleCredentials, ocpi.InterfaceReceiver)
	if !ok {
		log.Fatal("partner exposes no credentials endpoint")
	}
	creds, err := cl.GetCredentials(ctx, credsEP.URL)
	if err != nil {
		log.Fatalf("credentials: %v", err)
	}
	for _, role := range creds.Roles {
		fmt.Printf("  role %s %s/%s %s\n", role.Role, role.CountryCode, role.PartyID, role.BusinessDetails.Name)
	}

	if *module == "" {
		fmt.Println("probe passed")
		return
	}
	ep, ok := ocpi.FindEndpoint(details.Endpoints, ocpi.ModuleID(*module), ocpi.InterfaceSender)
	if !ok {
		log.Fatalf("partner exposes no %s SENDER endpoint", *module)
	}
	items, err := cl.ListAll(ctx, ep.URL, *maxPages)
	if err != nil {
		log.Fatalf("list %s: %v", *module, err)
	}
	fmt.Printf("%s: %d objects\n", *module, len(items))
	fmt.Println("probe passed")
}
