package commands

import (
	"context"
	"crypto/rand"
	"encoding/hex"

	log "github.com/sirupsen/logrus"

	"docmesh/config"
	"docmesh/oid"
)

func randomSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		log.Fatalf("Failed to generate a secret: %v", err)
	}
	return hex.EncodeToString(buf)
}

// RunInit writes a fresh config file with a random node identity. The generated
// shared secret and auth token must be copied to every node of the mesh.
func RunInit(ctx context.Context, cfg *config.Config, nodeName string) {
	nodeID, err := oid.Random(oid.OidTypeNode)
	if err != nil {
		log.Fatalf("Failed to generate a node ID: %v", err)
	}

	cfg.Node.NodeID = nodeID
	if nodeName != "" {
		cfg.Node.Name = nodeName
	}
	cfg.Security.SharedSecret = randomSecret()
	cfg.Security.AuthToken = randomSecret()

	if err := cfg.Save(); err != nil {
		log.Fatalf("Failed to save config: %v", err)
	}

	log.Infof("Initialized node %s (%s)", cfg.Node.Name, nodeID.String())
}
