package postgres

import "gorm.io/gorm/clause"

func lockingClause() clause.Expression {
	return clause.Locking{Strength: "UPDATE"}
}
