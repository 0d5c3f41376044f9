package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"

	_ "github.com/lib/pq"
)

// Bootstraps the compliance schema with plain SQL: tables, the generated
// tsvector column and the search indexes. Everything is IF NOT EXISTS so the
// script can run against an existing database.
func main() {
	fmt.Println("Creating compliance database tables...")

	dsn := os.Getenv("DATABASE_DSN")
	if dsn == "" {
		dsn = "host=localhost port=5432 user=zksuser password=zkspassword dbname=zks_assess sslmode=disable"
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	fmt.Println("✅ Connected to database")

	statements := []struct {
		name string
		sql  string
	}{
		{"compliance schema", `CREATE SCHEMA IF NOT EXISTS compliance`},
		{"pgvector extension", `CREATE EXTENSION IF NOT EXISTS vector`},
		{"organizations table", `
		CREATE TABLE IF NOT EXISTS compliance.organizations (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			code VARCHAR(100) NOT NULL UNIQUE,
			name TEXT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)`},
		{"questionnaire_versions table", `
		CREATE TABLE IF NOT EXISTS compliance.questionnaire_versions (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			version INTEGER NOT NULL UNIQUE,
			content_hash VARCHAR(64) NOT NULL UNIQUE,
			is_active BOOLEAN NOT NULL DEFAULT FALSE,
			source_file TEXT,
			description TEXT,
			imported_by VARCHAR(255),
			imported_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)`},
		{"measures table", `
		CREATE TABLE IF NOT EXISTS compliance.measures (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			questionnaire_version_id UUID NOT NULL REFERENCES compliance.questionnaire_versions(id),
			code VARCHAR(50) NOT NULL,
			name TEXT NOT NULL,
			description TEXT,
			order_index INTEGER NOT NULL DEFAULT 0,
			UNIQUE (questionnaire_version_id, code)
		)`},
		{"submeasures table", `
		CREATE TABLE IF NOT EXISTS compliance.submeasures (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			measure_id UUID NOT NULL REFERENCES compliance.measures(id),
			code VARCHAR(50) NOT NULL,
			name TEXT NOT NULL,
			description TEXT,
			order_index INTEGER NOT NULL DEFAULT 0,
			UNIQUE (measure_id, code)
		)`},
		{"controls table", `
		CREATE TABLE IF NOT EXISTS compliance.controls (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			code VARCHAR(20) NOT NULL UNIQUE,
			name TEXT NOT NULL,
			description TEXT
		)`},
		{"control_submeasure_mappings table", `
		CREATE TABLE IF NOT EXISTS compliance.control_submeasure_mappings (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			control_id UUID NOT NULL REFERENCES compliance.controls(id),
			submeasure_id UUID NOT NULL REFERENCES compliance.submeasures(id),
			order_index INTEGER NOT NULL DEFAULT 0,
			UNIQUE (control_id, submeasure_id)
		)`},
		{"control_requirements table", `
		CREATE TABLE IF NOT EXISTS compliance.control_requirements (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			control_id UUID NOT NULL REFERENCES compliance.controls(id),
			submeasure_id UUID NOT NULL REFERENCES compliance.submeasures(id),
			security_level VARCHAR(20) NOT NULL,
			is_mandatory BOOLEAN NOT NULL DEFAULT FALSE,
			is_applicable BOOLEAN NOT NULL DEFAULT TRUE,
			minimum_score DECIMAL(3,1),
			UNIQUE (control_id, submeasure_id, security_level)
		)`},
		{"assessments table", `
		CREATE TABLE IF NOT EXISTS compliance.assessments (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			organization_id UUID NOT NULL REFERENCES compliance.organizations(id),
			questionnaire_version_id UUID NOT NULL REFERENCES compliance.questionnaire_versions(id),
			security_level VARCHAR(20) NOT NULL,
			name TEXT NOT NULL,
			description TEXT,
			status VARCHAR(20) NOT NULL DEFAULT 'draft',
			total_controls INTEGER NOT NULL DEFAULT 0,
			answered_controls INTEGER NOT NULL DEFAULT 0,
			mandatory_controls INTEGER NOT NULL DEFAULT 0,
			mandatory_answered INTEGER NOT NULL DEFAULT 0,
			compliance_percentage DECIMAL(5,2) NOT NULL DEFAULT 0,
			compliance_status VARCHAR(20),
			created_by VARCHAR(255) NOT NULL,
			started_at TIMESTAMP WITH TIME ZONE,
			completed_at TIMESTAMP WITH TIME ZONE,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)`},
		{"assessment_answers table", `
		CREATE TABLE IF NOT EXISTS compliance.assessment_answers (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			assessment_id UUID NOT NULL REFERENCES compliance.assessments(id),
			control_id UUID NOT NULL REFERENCES compliance.controls(id),
			submeasure_id UUID NOT NULL REFERENCES compliance.submeasures(id),
			documentation_score INTEGER CHECK (documentation_score BETWEEN 1 AND 5),
			implementation_score INTEGER CHECK (implementation_score BETWEEN 1 AND 5),
			average_score DECIMAL(4,2),
			comment TEXT,
			evidence_files JSONB DEFAULT '[]',
			answered_by VARCHAR(255) NOT NULL,
			ip_address VARCHAR(64),
			user_agent TEXT,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			UNIQUE (assessment_id, control_id, submeasure_id)
		)`},
		{"submeasure_scores table", `
		CREATE TABLE IF NOT EXISTS compliance.submeasure_scores (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			assessment_id UUID NOT NULL REFERENCES compliance.assessments(id),
			submeasure_id UUID NOT NULL REFERENCES compliance.submeasures(id),
			passes_individual BOOLEAN NOT NULL DEFAULT FALSE,
			passes_average BOOLEAN NOT NULL DEFAULT FALSE,
			passes_overall BOOLEAN NOT NULL DEFAULT FALSE,
			documentation_avg DECIMAL(4,2),
			implementation_avg DECIMAL(4,2),
			overall_score DECIMAL(4,2),
			total_controls INTEGER NOT NULL DEFAULT 0,
			answered_controls INTEGER NOT NULL DEFAULT 0,
			failed_controls JSONB DEFAULT '[]',
			computed_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			UNIQUE (assessment_id, submeasure_id)
		)`},
		{"measure_scores table", `
		CREATE TABLE IF NOT EXISTS compliance.measure_scores (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			assessment_id UUID NOT NULL REFERENCES compliance.assessments(id),
			measure_id UUID NOT NULL REFERENCES compliance.measures(id),
			passes_compliance BOOLEAN NOT NULL DEFAULT FALSE,
			documentation_avg DECIMAL(4,2),
			implementation_avg DECIMAL(4,2),
			overall_score DECIMAL(4,2),
			total_submeasures INTEGER NOT NULL DEFAULT 0,
			scored_submeasures INTEGER NOT NULL DEFAULT 0,
			passed_submeasures INTEGER NOT NULL DEFAULT 0,
			total_controls INTEGER NOT NULL DEFAULT 0,
			answered_controls INTEGER NOT NULL DEFAULT 0,
			mandatory_controls INTEGER NOT NULL DEFAULT 0,
			computed_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			UNIQUE (assessment_id, measure_id)
		)`},
		{"compliance_scores table", `
		CREATE TABLE IF NOT EXISTS compliance.compliance_scores (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			assessment_id UUID NOT NULL UNIQUE REFERENCES compliance.assessments(id),
			security_level VARCHAR(20) NOT NULL,
			overall_score DECIMAL(4,2),
			compliance_percentage DECIMAL(5,2) NOT NULL DEFAULT 0,
			passes_compliance BOOLEAN NOT NULL DEFAULT FALSE,
			maturity_score INTEGER NOT NULL DEFAULT 0,
			meets_maturity_trend BOOLEAN NOT NULL DEFAULT FALSE,
			total_measures INTEGER NOT NULL DEFAULT 0,
			passed_measures INTEGER NOT NULL DEFAULT 0,
			computed_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)`},
		{"processed_documents table", `
		CREATE TABLE IF NOT EXISTS compliance.processed_documents (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			organization_id UUID REFERENCES compliance.organizations(id),
			scope VARCHAR(20) NOT NULL DEFAULT 'organization',
			is_global BOOLEAN NOT NULL DEFAULT FALSE,
			uploaded_by VARCHAR(255) NOT NULL,
			document_type VARCHAR(20) NOT NULL DEFAULT 'custom',
			source TEXT,
			title TEXT NOT NULL,
			file_name TEXT NOT NULL,
			file_size BIGINT NOT NULL DEFAULT 0,
			mime_type VARCHAR(100) NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'pending',
			upload_date TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			processed_date TIMESTAMP WITH TIME ZONE,
			processing_metadata JSONB DEFAULT '{}',
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_document_scope CHECK (
				(scope = 'global' AND organization_id IS NULL AND is_global = TRUE)
				OR (scope = 'organization' AND organization_id IS NOT NULL AND is_global = FALSE)
			)
		)`},
		{"document_chunks table", `
		CREATE TABLE IF NOT EXISTS compliance.document_chunks (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			processed_document_id UUID NOT NULL REFERENCES compliance.processed_documents(id) ON DELETE CASCADE,
			chunk_index INTEGER NOT NULL,
			content TEXT NOT NULL,
			embedding vector(768),
			control_ids JSONB DEFAULT '[]',
			doc_type VARCHAR(20) NOT NULL DEFAULT 'custom',
			section_title TEXT,
			page_start INTEGER NOT NULL,
			page_end INTEGER NOT NULL,
			page_anchor INTEGER NOT NULL,
			chunk_metadata JSONB DEFAULT '{}',
			content_tsvector tsvector GENERATED ALWAYS AS (to_tsvector('simple', content)) STORED,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_page_anchor CHECK (page_start <= page_anchor AND page_anchor <= page_end)
		)`},
		{"assessment_insights table", `
		CREATE TABLE IF NOT EXISTS compliance.assessment_insights (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			assessment_id UUID NOT NULL UNIQUE REFERENCES compliance.assessments(id),
			gaps JSONB DEFAULT '[]',
			roadmap JSONB DEFAULT '{}',
			summary TEXT,
			measure_recommendations JSONB DEFAULT '[]',
			is_stale BOOLEAN NOT NULL DEFAULT TRUE,
			generated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)`},
		{"ai_recommendations table", `
		CREATE TABLE IF NOT EXISTS compliance.ai_recommendations (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			assessment_id UUID NOT NULL REFERENCES compliance.assessments(id),
			control_id UUID NOT NULL REFERENCES compliance.controls(id),
			content TEXT NOT NULL,
			model VARCHAR(100),
			language VARCHAR(5) DEFAULT 'hr',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			superseded_by_id UUID,
			generated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)`},
		{"audit_logs table", `
		CREATE TABLE IF NOT EXISTS compliance.audit_logs (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			organization_id UUID,
			assessment_id UUID,
			user_id VARCHAR(255) NOT NULL,
			action VARCHAR(50) NOT NULL,
			entity_type VARCHAR(50) NOT NULL,
			entity_id UUID,
			old_values JSONB,
			new_values JSONB,
			ip_address VARCHAR(64),
			user_agent TEXT,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)`},
		{"chunk tsvector index", `
		CREATE INDEX IF NOT EXISTS idx_chunks_tsvector
			ON compliance.document_chunks USING gin (content_tsvector)`},
		{"chunk control_ids index", `
		CREATE INDEX IF NOT EXISTS idx_chunks_control_ids
			ON compliance.document_chunks USING gin (control_ids jsonb_path_ops)`},
		{"chunk embedding index", `
		CREATE INDEX IF NOT EXISTS idx_chunks_embedding
			ON compliance.document_chunks USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100)`},
		{"chunk document index", `
		CREATE INDEX IF NOT EXISTS idx_chunks_document
			ON compliance.document_chunks (processed_document_id, chunk_index)`},
		{"document scope index", `
		CREATE INDEX IF NOT EXISTS idx_documents_scope
			ON compliance.processed_documents (organization_id, is_global)`},
		{"assessment org index", `
		CREATE INDEX IF NOT EXISTS idx_assessments_org
			ON compliance.assessments (organization_id, status)`},
		{"audit assessment index", `
		CREATE INDEX IF NOT EXISTS idx_audit_assessment
			ON compliance.audit_logs (assessment_id, created_at)`},
		{"recommendation pair index", `
		CREATE INDEX IF NOT EXISTS idx_recommendation_pair
			ON compliance.ai_recommendations (assessment_id, control_id, is_active)`},
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt.sql); err != nil {
			log.Printf("Warning: Failed to create %s: %v", stmt.name, err)
			continue
		}
		fmt.Printf("✅ %s created/verified\n", stmt.name)
	}

	fmt.Println("Done.")
}
