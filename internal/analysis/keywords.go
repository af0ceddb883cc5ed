package analysis

// SkillKeywords maps each skill to the words that indicate it.
var SkillKeywords = map[string][]string{
	"frontend":      {"ui", "react", "vue", "css", "html", "component", "browser", "layout"},
	"backend":       {"server", "service", "endpoint", "handler", "microservices", "go", "queue", "worker"},
	"database":      {"sql", "postgres", "mysql", "schema", "migration", "query", "index", "sqlite"},
	"api":           {"rest", "graphql", "grpc", "endpoint", "openapi", "webhook"},
	"devops":        {"docker", "kubernetes", "ci", "deploy", "deployment", "terraform", "pipeline", "helm"},
	"testing":       {"test", "tests", "unit", "integration", "e2e", "coverage", "qa"},
	"security":      {"auth", "authentication", "oauth", "encryption", "vulnerability", "tls", "permissions"},
	"design":        {"mockup", "wireframe", "ux", "figma", "prototype", "accessibility"},
	"documentation": {"docs", "readme", "guide", "tutorial", "changelog", "document"},
	"data":          {"etl", "analytics", "dataset", "pipeline", "report", "warehouse"},
	"mobile":        {"ios", "android", "swift", "kotlin", "flutter", "app"},
	"performance":   {"latency", "optimize", "cache", "caching", "throughput", "profiling", "benchmark"},
}

// SkillBuckets groups skills into the disjoint areas used for collaboration detection.
var SkillBuckets = map[string]string{
	"frontend":      "frontend",
	"mobile":        "frontend",
	"backend":       "backend",
	"database":      "backend",
	"api":           "backend",
	"devops":        "backend",
	"security":      "backend",
	"data":          "backend",
	"performance":   "backend",
	"design":        "design",
	"testing":       "qa",
	"documentation": "pm",
}

// ComplexityIndicators weights words that push the complexity score up or down.
var ComplexityIndicators = map[string]float64{
	"microservices": 0.9,
	"distributed":   0.8,
	"architecture":  0.7,
	"scalable":      0.6,
	"migration":     0.6,
	"concurrency":   0.6,
	"realtime":      0.5,
	"integration":   0.4,
	"refactor":      0.4,
	"security":      0.4,
	"optimize":      0.3,
	"multiple":      0.2,
	"simple":        -0.5,
	"typo":          -0.6,
	"minor":         -0.4,
	"quick":         -0.4,
	"small":         -0.3,
	"rename":        -0.4,
	"trivial":       -0.6,
	"easy":          -0.3,
}

// DomainKeywords maps each domain to the words that indicate it.
var DomainKeywords = map[string][]string{
	"web":            {"website", "frontend", "react", "css", "html", "browser", "page"},
	"backend":        {"api", "server", "service", "endpoint", "backend", "microservices"},
	"data":           {"data", "etl", "analytics", "warehouse", "dataset", "sql"},
	"infrastructure": {"kubernetes", "docker", "terraform", "deploy", "cluster", "infrastructure"},
	"mobile":         {"ios", "android", "mobile", "app", "flutter"},
	"security":       {"security", "auth", "vulnerability", "encryption", "oauth"},
	"ml":             {"model", "training", "inference", "ml", "embedding", "classifier"},
	"documentation":  {"docs", "documentation", "readme", "guide", "tutorial"},
}

// BaseHours is the effort estimate before skill and length adjustments.
var BaseHours = map[ComplexityLevel]float64{
	ComplexitySimple:  2,
	ComplexityMedium:  8,
	ComplexityComplex: 16,
	ComplexityEpic:    32,
}

var urgencyBase = map[Priority]float64{
	PriorityLow:    0.8,
	PriorityMedium: 1.0,
	PriorityHigh:   1.3,
	PriorityUrgent: 1.6,
}
