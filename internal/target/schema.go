package target

// schemaDDL is the canonical schema, written in the portable subset both
// dialects accept. Natural-key uniqueness lives in the DDL so the upsert
// engine's invariants are enforced by the store itself, exactly as the
// record-keeping API sees them.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS districts (
	id BIGINT PRIMARY KEY,
	code TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS villages (
	id BIGINT PRIMARY KEY,
	code TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	district_id BIGINT REFERENCES districts(id)
);
CREATE TABLE IF NOT EXISTS sectors (
	id BIGINT PRIMARY KEY,
	code TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS occupations (
	id BIGINT PRIMARY KEY,
	code TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	sector_id BIGINT REFERENCES sectors(id)
);
CREATE TABLE IF NOT EXISTS levels (
	id BIGINT PRIMARY KEY,
	code TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	occupation_id BIGINT REFERENCES occupations(id),
	rank BIGINT
);
CREATE TABLE IF NOT EXISTS modules (
	id BIGINT PRIMARY KEY,
	code TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	occupation_id BIGINT REFERENCES occupations(id),
	level_id BIGINT REFERENCES levels(id)
);
CREATE TABLE IF NOT EXISTS papers (
	id BIGINT PRIMARY KEY,
	code TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	module_id BIGINT REFERENCES modules(id),
	level_id BIGINT REFERENCES levels(id)
);
CREATE TABLE IF NOT EXISTS centers (
	id BIGINT PRIMARY KEY,
	code TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	district_id BIGINT REFERENCES districts(id)
);
CREATE TABLE IF NOT EXISTS branches (
	id BIGINT PRIMARY KEY,
	code TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	center_id BIGINT REFERENCES centers(id)
);
CREATE TABLE IF NOT EXISTS series (
	id BIGINT PRIMARY KEY,
	code TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	starts_on TEXT,
	ends_on TEXT
);
CREATE TABLE IF NOT EXISTS staff (
	id BIGINT PRIMARY KEY,
	code TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	role TEXT,
	center_id BIGINT REFERENCES centers(id)
);
CREATE TABLE IF NOT EXISTS candidates (
	id BIGINT PRIMARY KEY,
	regno TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	gender TEXT,
	birth_year BIGINT,
	village_id BIGINT REFERENCES villages(id),
	occupation_id BIGINT REFERENCES occupations(id)
);
CREATE TABLE IF NOT EXISTS enrollments (
	id BIGINT PRIMARY KEY,
	ekey TEXT NOT NULL UNIQUE,
	candidate_id BIGINT NOT NULL REFERENCES candidates(id),
	series_id BIGINT NOT NULL REFERENCES series(id),
	level_id BIGINT,
	category TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS enrollment_modules (
	enrollment_id BIGINT NOT NULL REFERENCES enrollments(id),
	module_id BIGINT NOT NULL REFERENCES modules(id),
	PRIMARY KEY (enrollment_id, module_id)
);
CREATE TABLE IF NOT EXISTS enrollment_papers (
	enrollment_id BIGINT NOT NULL REFERENCES enrollments(id),
	paper_id BIGINT NOT NULL REFERENCES papers(id),
	PRIMARY KEY (enrollment_id, paper_id)
);
CREATE TABLE IF NOT EXISTS results (
	id BIGINT PRIMARY KEY,
	rkey TEXT NOT NULL UNIQUE,
	enrollment_id BIGINT NOT NULL REFERENCES enrollments(id),
	paper_id BIGINT REFERENCES papers(id),
	marks REAL,
	grade TEXT
);
`
