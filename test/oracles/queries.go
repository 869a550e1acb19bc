package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the invariant queries. Each must return zero rows.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_one_live_proposal",
			SQL: `SELECT dispute_id, COUNT(*) FROM resolution_proposals
                  WHERE status IN ('proposed','agreed','executing')
                  GROUP BY dispute_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_fault_split_sums_to_100",
			SQL: `SELECT id FROM resolution_proposals
                  WHERE fault_percentage_client + fault_percentage_professional <> 100
                  UNION ALL
                  SELECT id FROM counter_proposals
                  WHERE (terms->>'fault_percentage_client')::int + (terms->>'fault_percentage_professional')::int <> 100`,
		},
		{
			Name: "O3_single_execute_end",
			SQL: `SELECT resolution_id, COUNT(*) FROM enforcement_actions
                  WHERE action = 'execute_end'
                  GROUP BY resolution_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O4_end_iff_executed",
			SQL: `SELECT p.id, p.status FROM resolution_proposals p
                  WHERE (p.status = 'executed') <> EXISTS (
                      SELECT 1 FROM enforcement_actions e
                      WHERE e.resolution_id = p.id AND e.action = 'execute_end')`,
		},
		{
			// The stress actors never use the admin override, so every
			// execution must follow consent from both sides.
			Name: "O5_execution_requires_consent",
			SQL: `SELECT id FROM resolution_proposals
                  WHERE status IN ('executing','executed','execution_failed')
                    AND NOT (party_client_agreed AND party_professional_agreed)`,
		},
		{
			Name: "O6_money_moves_inside_begin_end",
			SQL: `SELECT m.id, m.action FROM enforcement_actions m
                  WHERE m.action IN ('refund_issued','funds_released','escrow_settled')
                    AND (NOT EXISTS (SELECT 1 FROM enforcement_actions b
                                     WHERE b.resolution_id = m.resolution_id
                                       AND b.action = 'execute_begin' AND b.seq < m.seq)
                         OR EXISTS (SELECT 1 FROM enforcement_actions e
                                    WHERE e.resolution_id = m.resolution_id
                                      AND e.action = 'execute_end' AND e.seq < m.seq))`,
		},
		{
			Name: "O7_executed_dispute_resolved",
			SQL: `SELECT p.id, d.status FROM resolution_proposals p
                  JOIN disputes d ON d.id = p.dispute_id
                  WHERE p.status = 'executed' AND d.status NOT IN ('resolved','closed')`,
		},
		{
			Name: "O8_failed_execution_flags_dispute",
			SQL: `SELECT p.id FROM resolution_proposals p
                  JOIN disputes d ON d.id = p.dispute_id
                  WHERE p.status = 'execution_failed' AND NOT d.needs_attention`,
		},
		{
			Name: "O9_superseded_points_forward",
			SQL: `SELECT p.id FROM resolution_proposals p
                  WHERE p.status = 'superseded'
                    AND NOT EXISTS (SELECT 1 FROM resolution_proposals n
                                    WHERE n.id = p.superseded_by AND n.dispute_id = p.dispute_id)`,
		},
		{
			Name: "O10_append_only_guards",
			SQL: `SELECT t.name AS missing_trigger
                  FROM (VALUES ('audit_entries_append_only'),
                               ('enforcement_actions_append_only'),
                               ('timeline_events_append_only'),
                               ('no_delete_disputes')) AS t(name)
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = t.name)`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
