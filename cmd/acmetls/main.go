package main

import (
	"go.n16f.net/acmetls"
	"go.n16f.net/program"
)

var (
	p         *program.Program
	dataStore acmetls.DataStore
)

func main() {
	// Program
	p = program.NewProgram("acmetls", "ACME TLS certificate manager")

	p.AddOption("s", "server", "uri", acmetls.LetsEncryptStagingDirectoryURI,
		"the directory URI of the ACME server")
	p.AddOption("d", "data-store", "path", "acmetls",
		"the path of the data store directory")
	p.AddOption("c", "contact", "URI", "",
		"a contact URI used when creating a new account")

	addDirectoryCommand()
	addServeCommand()

	p.ParseCommandLine()

	// Data store
	dataStorePath := p.OptionValue("data-store")

	p.Info("using data store at %q", dataStorePath)

	var err error
	dataStore, err = acmetls.NewFileSystemDataStore(dataStorePath)
	if err != nil {
		p.Fatal("cannot create data store: %v", err)
	}

	// Main
	p.Run()
}

func contactURIs() []string {
	if uri := p.OptionValue("contact"); uri != "" {
		return []string{uri}
	}

	return nil
}
