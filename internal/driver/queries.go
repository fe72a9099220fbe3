package driver

// Every query binds the entity it returns to n so the same projection can be
// reused.
const entityColumns = `n.id AS id,
		n.type AS type,
		n.fields AS fields,
		n.permissions AS permissions,
		n.archived AS archived,
		n.pusher_channel AS pusher_channel,
		n.first_response_id AS first_response_id,
		n.created_at AS created_at,
		n.updated_at AS updated_at`

const (
	SaveEntityQuery = `
		MERGE (n:Entity {id: $id})
		SET n.type = $type,
			n.fields = $fields,
			n.permissions = $permissions,
			n.archived = $archived,
			n.pusher_channel = $pusher_channel,
			n.first_response_id = $first_response_id,
			n.created_at = $created_at,
			n.updated_at = $updated_at
		RETURN n.id AS id
	`

	GetEntityQuery = `
		MATCH (n:Entity {id: $id})
		RETURN ` + entityColumns

	DeleteEntityQuery = `
		MATCH (n:Entity {id: $id})
		DETACH DELETE n
	`

	SaveRelationshipQuery = `
		MATCH (source:Entity {id: $source_id})
		MATCH (target:Entity {id: $target_id})
		MERGE (source)-[r:RELATED {kind: $kind}]->(target)
		ON CREATE SET r.created_at = $created_at
		RETURN r.kind AS kind
	`

	DeleteRelationshipQuery = `
		MATCH (:Entity {id: $source_id})-[r:RELATED {kind: $kind}]->(:Entity {id: $target_id})
		DELETE r
	`

	GetTargetsQuery = `
		MATCH (a:Entity {id: $id})-[r:RELATED]->(n:Entity)
		RETURN r.kind AS kind, ` + entityColumns + `
		ORDER BY r.created_at, n.id
	`

	GetSourcesQuery = `
		MATCH (n:Entity)-[r:RELATED]->(a:Entity {id: $id})
		RETURN r.kind AS kind, ` + entityColumns + `
		ORDER BY r.created_at, n.id
	`

	GetSiblingsQuery = `
		MATCH (s:Entity {id: $source_id})-[r:RELATED {kind: $kind}]->(n:Entity)
		RETURN r.kind AS kind, ` + entityColumns + `
		ORDER BY r.created_at, n.id
	`
)
