package sampleindex

// Default thresholds and value lists for the built-in configuration
var (
	DefaultQualThresholds      = []float64{10, 20, 30}
	DefaultDepthThresholds     = []float64{5, 10, 15, 20, 30, 50}
	DefaultFrequencyThresholds = []float64{0.0000001, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05}
	DefaultPopulations         = []string{"1kG_phase3:ALL", "GNOMAD_GENOMES:ALL"}
)

var defaultConsequenceTypes = []string{
	"missense_variant",
	"frameshift_variant",
	"inframe_deletion",
	"inframe_insertion",
	"start_lost",
	"stop_gained",
	"stop_lost",
	"splice_acceptor_variant",
	"splice_donor_variant",
	"transcript_ablation",
	"transcript_amplification",
	"initiator_codon_variant",
	"splice_region_variant",
	"incomplete_terminal_codon_variant",
	"feature_truncation",
	"synonymous_variant",
	"regulatory_region_variant",
	"TF_binding_site_variant",
	"mature_miRNA_variant",
	"upstream_gene_variant",
	"downstream_gene_variant",
	"3_prime_UTR_variant",
	"5_prime_UTR_variant",
	"intron_variant",
}

var defaultBiotypes = []string{
	"nonsense_mediated_decay",
	"lincRNA",
	"miRNA",
	"retained_intron",
	"snRNA",
	"snoRNA",
	"other_non_pseudo_gene",
	"protein_coding",
}

var defaultBiotypeAliases = map[string][]string{
	"lincRNA": {
		"lncRNA",
		"non_coding",
		"macro_lncRNA",
		"antisense",
		"sense_intronic",
		"sense_overlapping",
		"3prime_overlapping_ncrna",
		"bidirectional_promoter_lncRNA",
	},
	"other_non_pseudo_gene": {
		"processed_transcript",
		"non_stop_decay",
		"misc_RNA",
		"rRNA",
		"Mt_rRNA",
		"Mt_tRNA",
		"IG_C_gene",
		"IG_D_gene",
		"IG_J_gene",
		"IG_V_gene",
		"TR_C_gene",
		"TR_D_gene",
		"TR_J_gene",
		"TR_V_gene",
		"NMD_transcript_variant",
		"transcribed_unprocessed_pseudogene",
		"ambiguous_orf",
		"known_ncrna",
		"retrotransposed",
		"LRG_gene",
	},
}

var defaultTranscriptFlags = []string{"basic", "CCDS", "canonical", "MANE_Select"}

// Consequence types that only occur on transcripts with a coding sequence
var codingConsequenceTypes = []string{
	"missense_variant",
	"frameshift_variant",
	"inframe_deletion",
	"inframe_insertion",
	"start_lost",
	"stop_gained",
	"stop_lost",
	"initiator_codon_variant",
	"incomplete_terminal_codon_variant",
	"synonymous_variant",
}

// Biotypes whose transcripts carry a coding sequence. other_non_pseudo_gene
// groups non_stop_decay with the IG and TR gene segments.
var codingBiotypes = []string{
	"protein_coding",
	"nonsense_mediated_decay",
	"other_non_pseudo_gene",
}

// DefaultSpec returns the built-in configuration: FILTER, QUAL and DP from
// the loaded files, consequence type, biotype and transcript flag from the
// annotation with their combination index, and population frequencies.
func DefaultSpec() ConfigurationSpec {
	spec := ConfigurationSpec{
		Fields: []FieldSpec{
			{Source: SourceFile, Key: "FILTER", Type: TypeCategorical, Values: []string{"PASS"}},
			{Source: SourceFile, Key: "QUAL", Type: TypeRangeLT, Thresholds: DefaultQualThresholds},
			{Source: SourceSample, Key: "DP", Type: TypeRangeLT, Thresholds: DefaultDepthThresholds},
			{Source: SourceAnnotation, Key: KeyConsequenceType, Type: TypeCategoricalMultiValue, Values: defaultConsequenceTypes},
			{Source: SourceAnnotation, Key: KeyBiotype, Type: TypeCategoricalMultiValue, Values: defaultBiotypes, Aliases: defaultBiotypeAliases},
			{Source: SourceAnnotation, Key: KeyTranscriptFlag, Type: TypeCategoricalMultiValue, Values: defaultTranscriptFlags},
		},
		Combination: &CombinationSpec{
			ConsequenceTypeKey: KeyConsequenceType,
			BiotypeKey:         KeyBiotype,
			FlagKey:            KeyTranscriptFlag,
			Reachable:          defaultReachable(),
		},
	}
	for _, pop := range DefaultPopulations {
		spec.Fields = append(spec.Fields, FieldSpec{
			Source: SourceAnnotation, Key: pop, Type: TypeRangeLT, Thresholds: DefaultFrequencyThresholds,
		})
	}
	return spec
}

// defaultReachable lists the triples that can co-occur: coding consequence
// types only on coding biotypes, everything else on any biotype
func defaultReachable() []Triple {
	coding := make(map[string]bool, len(codingConsequenceTypes))
	for _, ct := range codingConsequenceTypes {
		coding[ct] = true
	}
	codingBiotype := make(map[string]bool, len(codingBiotypes))
	for _, bt := range codingBiotypes {
		codingBiotype[bt] = true
	}

	var out []Triple
	for _, ct := range defaultConsequenceTypes {
		for _, bt := range defaultBiotypes {
			if coding[ct] && !codingBiotype[bt] {
				continue
			}
			for _, tf := range defaultTranscriptFlags {
				out = append(out, Triple{ConsequenceType: ct, Biotype: bt, Flag: tf})
			}
		}
	}
	return out
}

// DefaultConfiguration returns the validated built-in configuration
func DefaultConfiguration() *Configuration {
	c, err := NewConfiguration(DefaultSpec())
	if err != nil {
		panic("invalid default sample index configuration: " + err.Error())
	}
	return c
}
