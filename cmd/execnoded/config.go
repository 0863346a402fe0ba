package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"reflect"
	"time"
	"unicode"

	"github.com/naoina/toml"

	"github.com/bitroll/execnode/params"
)

// These settings ensure TOML keys use the same names as Go struct fields.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string { return key },
	FieldToKey:    func(rt reflect.Type, field string) string { return field },
	MissingField: func(rt reflect.Type, field string) error {
		var link string
		if unicode.IsUpper(rune(rt.Name()[0])) && rt.PkgPath() != "main" {
			link = fmt.Sprintf(", see https://pkg.go.dev/%s#%s for available fields", rt.PkgPath(), rt.Name())
		}
		return fmt.Errorf("field '%s' is not defined in %s%s", field, rt.String(), link)
	},
}

// storeConfig bundles the block store's on-disk footprint.
type storeConfig struct {
	DataDir         string
	DatabaseCache   int
	DatabaseHandles int
}

// engineConfig points at the downstream execution engine's JSON-RPC
// endpoint.
type engineConfig struct {
	RpcUrl string
	// JwtSecretHex is the hex-encoded 32-byte shared secret used to
	// JWT-authenticate the engine channel; empty disables auth.
	JwtSecretHex string `toml:",omitempty"`
}

// execnodedConfig is the full on-disk configuration, one block per
// component.
type execnodedConfig struct {
	Store      storeConfig
	Consensus  params.ConsensusParams
	Mempool    params.MempoolParams
	CredRule   params.CredRule
	PubKeyHex  string `toml:",omitempty"` // required unless CredRule == CredRuleUnchecked
	EngineSync params.EngineSyncParams
	Engine     engineConfig
}

func defaultConfig() execnodedConfig {
	return execnodedConfig{
		Store: storeConfig{
			DataDir:         "execnode-data",
			DatabaseCache:   512,
			DatabaseHandles: 256,
		},
		Consensus:  params.DefaultConsensusParams(),
		Mempool:    params.DefaultMempoolParams(),
		CredRule:   params.CredRuleUnchecked,
		EngineSync: params.DefaultEngineSyncParams(),
	}
}

func loadConfig(file string, cfg *execnodedConfig) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(cfg)
	var lineErr *toml.LineError
	if errors.As(err, &lineErr) {
		err = fmt.Errorf("%s, %w", file, err)
	}
	return err
}

// engineClientDialTimeout bounds how long node startup waits to establish
// the JSON-RPC connection to the execution engine.
const engineClientDialTimeout = 10 * time.Second
