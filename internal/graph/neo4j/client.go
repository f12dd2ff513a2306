package neo4j

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/kgtrace/backend/internal/refs"
	"github.com/kgtrace/backend/pkg/circuitbreaker"
	"github.com/kgtrace/backend/pkg/logger"
	"github.com/kgtrace/backend/pkg/retry"
)

type Client struct {
	driver      neo4j.DriverWithContext
	database    string
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

// Entity is the canonical node for one real-world object. NormalizedKey is
// the dedup key (normalized name + type); MentionRefs point back into the
// relational store; MergedInto is set when the entity was folded into another.
type Entity struct {
	ID            string
	CanonicalName string
	NormalizedKey string
	Type          string
	Confidence    float64
	QualityTier   string
	MentionRefs   []string
	MergedInto    string
}

func NewClient(uri, username, password, database string) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(
		uri,
		neo4j.BasicAuth(username, password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	ctx := context.Background()
	if err = driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("failed to verify connectivity: %w", err)
	}

	cb := circuitbreaker.New("neo4j", circuitbreaker.Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      20 * time.Second,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       3 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	logger.Info("Neo4j client initialized", zap.String("uri", uri))

	return &Client{
		driver:      driver,
		database:    database,
		cb:          cb,
		retryConfig: retryConfig,
	}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

// InitConstraints creates the uniqueness constraints the CAS minting path
// relies on.
func (c *Client) InitConstraints(ctx context.Context) error {
	return c.execute(ctx, func(session neo4j.SessionWithContext) error {
		stmts := []string{
			`CREATE CONSTRAINT entity_id IF NOT EXISTS FOR (e:Entity) REQUIRE e.id IS UNIQUE`,
			`CREATE CONSTRAINT entity_key IF NOT EXISTS FOR (e:Entity) REQUIRE (e.normalized_key, e.type) IS UNIQUE`,
		}
		for _, stmt := range stmts {
			if _, err := session.Run(ctx, stmt, nil); err != nil {
				return fmt.Errorf("failed to create constraint: %w", err)
			}
		}
		return nil
	})
}

func (c *Client) execute(ctx context.Context, operation func(neo4j.SessionWithContext) error) error {
	return c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			session := c.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: c.database})
			defer session.Close(ctx)
			return operation(session)
		})
	})
}

// Has implements refs.Prober for the graph store.
func (c *Client) Has(ctx context.Context, objectType refs.ObjectType, id string) (bool, error) {
	if objectType != refs.TypeEntity {
		return false, fmt.Errorf("graph store does not own object type %q", objectType)
	}

	var found bool
	err := c.execute(ctx, func(session neo4j.SessionWithContext) error {
		result, err := session.Run(ctx,
			`MATCH (e:Entity {id: $id}) RETURN e.id LIMIT 1`,
			map[string]interface{}{"id": id},
		)
		if err != nil {
			return fmt.Errorf("failed to check entity existence: %w", err)
		}
		found = result.Next(ctx)
		return result.Err()
	})
	return found, err
}

// CreateEntity mints an entity atomically on its normalized key. Concurrent
// calls with the same key MERGE onto the same node; the returned id is the
// winner's, which may differ from entity.ID.
func (c *Client) CreateEntity(ctx context.Context, entity *Entity) (string, error) {
	query := `
		MERGE (e:Entity {normalized_key: $key, type: $type})
		ON CREATE SET e.id = $id,
		              e.canonical_name = $name,
		              e.confidence = $confidence,
		              e.quality_tier = $tier,
		              e.mention_refs = $mention_refs,
		              e.created_at = timestamp()
		RETURN e.id AS id
	`

	var winnerID string
	err := c.execute(ctx, func(session neo4j.SessionWithContext) error {
		result, err := session.Run(ctx, query, map[string]interface{}{
			"id":           entity.ID,
			"key":          entity.NormalizedKey,
			"type":         entity.Type,
			"name":         entity.CanonicalName,
			"confidence":   entity.Confidence,
			"tier":         entity.QualityTier,
			"mention_refs": entity.MentionRefs,
		})
		if err != nil {
			return fmt.Errorf("failed to create entity: %w", err)
		}
		record, err := result.Single(ctx)
		if err != nil {
			return fmt.Errorf("failed to read created entity: %w", err)
		}
		id, _ := record.Get("id")
		winnerID = id.(string)
		return nil
	})
	if err != nil {
		return "", err
	}

	if winnerID != entity.ID {
		logger.Debug("Entity creation lost CAS race, resolving to winner",
			zap.String("key", entity.NormalizedKey),
			zap.String("winner_id", winnerID),
		)
	} else {
		logger.Debug("Entity created in graph",
			zap.String("entity_id", winnerID),
			zap.String("name", entity.CanonicalName),
		)
	}
	return winnerID, nil
}

func (c *Client) GetEntity(ctx context.Context, id string) (*Entity, error) {
	var entity *Entity
	err := c.execute(ctx, func(session neo4j.SessionWithContext) error {
		result, err := session.Run(ctx, `
			MATCH (e:Entity {id: $id})
			RETURN e.id, e.canonical_name, e.normalized_key, e.type,
			       e.confidence, e.quality_tier, e.mention_refs, e.merged_into
			LIMIT 1`,
			map[string]interface{}{"id": id},
		)
		if err != nil {
			return fmt.Errorf("failed to get entity: %w", err)
		}
		if result.Next(ctx) {
			entity = scanEntity(result.Record())
		}
		return result.Err()
	})
	if err != nil {
		return nil, err
	}
	return entity, nil
}

// FindByKey looks up candidate entities by normalized key and exact type.
func (c *Client) FindByKey(ctx context.Context, normalizedKey, entityType string) ([]Entity, error) {
	var entities []Entity
	err := c.execute(ctx, func(session neo4j.SessionWithContext) error {
		result, err := session.Run(ctx, `
			MATCH (e:Entity {normalized_key: $key, type: $type})
			WHERE e.merged_into IS NULL
			RETURN e.id, e.canonical_name, e.normalized_key, e.type,
			       e.confidence, e.quality_tier, e.mention_refs, e.merged_into
			ORDER BY e.confidence DESC`,
			map[string]interface{}{"key": normalizedKey, "type": entityType},
		)
		if err != nil {
			return fmt.Errorf("failed to find entities by key: %w", err)
		}
		for result.Next(ctx) {
			entities = append(entities, *scanEntity(result.Record()))
		}
		return result.Err()
	})
	if err != nil {
		return nil, err
	}
	return entities, nil
}

func (c *Client) AttachMention(ctx context.Context, entityID, mentionRef string) error {
	err := c.execute(ctx, func(session neo4j.SessionWithContext) error {
		_, err := session.Run(ctx, `
			MATCH (e:Entity {id: $id})
			WHERE NOT $mention_ref IN coalesce(e.mention_refs, [])
			SET e.mention_refs = coalesce(e.mention_refs, []) + $mention_ref`,
			map[string]interface{}{"id": entityID, "mention_ref": mentionRef},
		)
		if err != nil {
			return fmt.Errorf("failed to attach mention: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	logger.Debug("Mention attached",
		zap.String("entity_id", entityID),
		zap.String("mention_ref", mentionRef),
	)
	return nil
}

func (c *Client) GetConfidence(ctx context.Context, id string) (float64, bool, error) {
	var conf float64
	var found bool
	err := c.execute(ctx, func(session neo4j.SessionWithContext) error {
		result, err := session.Run(ctx,
			`MATCH (e:Entity {id: $id}) RETURN e.confidence LIMIT 1`,
			map[string]interface{}{"id": id},
		)
		if err != nil {
			return fmt.Errorf("failed to get entity confidence: %w", err)
		}
		if result.Next(ctx) {
			v, _ := result.Record().Get("e.confidence")
			if f, ok := v.(float64); ok {
				conf = f
			}
			found = true
		}
		return result.Err()
	})
	return conf, found, err
}

func (c *Client) SetConfidence(ctx context.Context, id string, confidence float64, tier string) error {
	return c.execute(ctx, func(session neo4j.SessionWithContext) error {
		_, err := session.Run(ctx, `
			MATCH (e:Entity {id: $id})
			SET e.confidence = $confidence, e.quality_tier = $tier`,
			map[string]interface{}{"id": id, "confidence": confidence, "tier": tier},
		)
		if err != nil {
			return fmt.Errorf("failed to set entity confidence: %w", err)
		}
		return nil
	})
}

// MergeInto folds fromID into toID: mention refs move to the survivor and the
// source node keeps a merged_into pointer as its terminal state. The merge is
// one-directional; callers record the accompanying provenance operation.
func (c *Client) MergeInto(ctx context.Context, fromID, toID string) error {
	err := c.execute(ctx, func(session neo4j.SessionWithContext) error {
		_, err := session.Run(ctx, `
			MATCH (from:Entity {id: $from_id}), (to:Entity {id: $to_id})
			SET to.mention_refs = coalesce(to.mention_refs, []) +
				[m IN coalesce(from.mention_refs, []) WHERE NOT m IN coalesce(to.mention_refs, [])],
			    from.mention_refs = [],
			    from.merged_into = $to_id`,
			map[string]interface{}{"from_id": fromID, "to_id": toID},
		)
		if err != nil {
			return fmt.Errorf("failed to merge entities: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	logger.Info("Entity merged",
		zap.String("from", fromID),
		zap.String("into", toID),
	)
	return nil
}

func scanEntity(record *neo4j.Record) *Entity {
	e := &Entity{}
	if v, _ := record.Get("e.id"); v != nil {
		e.ID = v.(string)
	}
	if v, _ := record.Get("e.canonical_name"); v != nil {
		e.CanonicalName = v.(string)
	}
	if v, _ := record.Get("e.normalized_key"); v != nil {
		e.NormalizedKey = v.(string)
	}
	if v, _ := record.Get("e.type"); v != nil {
		e.Type = v.(string)
	}
	if v, _ := record.Get("e.confidence"); v != nil {
		if f, ok := v.(float64); ok {
			e.Confidence = f
		}
	}
	if v, _ := record.Get("e.quality_tier"); v != nil {
		e.QualityTier = v.(string)
	}
	if v, _ := record.Get("e.mention_refs"); v != nil {
		if list, ok := v.([]interface{}); ok {
			for _, item := range list {
				if s, ok := item.(string); ok {
					e.MentionRefs = append(e.MentionRefs, s)
				}
			}
		}
	}
	if v, _ := record.Get("e.merged_into"); v != nil {
		e.MergedInto = v.(string)
	}
	return e
}
