// Package jsassets holds the browser-side JavaScript cdpstep injects via
// Runtime.callFunctionOn: role inference, accessible-name computation,
// actionability predicates, and the accessibility-tree walker. The
// single-injected-function pattern (one script string returning structured
// JSON) is grounded on zhimaAi-ChatClaw's browser_snapshot.go, generalized
// from its fixed data-ref numbering scheme to the locator/snapshot
// ref format cdpstep uses (C6/C7/C8 of SPEC_FULL.md).
package jsassets

// RoleToSelector maps an ARIA matcher's role to the CSS selector used to
// find candidate elements, mirroring browser_snapshot.go's inferRole table
// run in reverse.
const RoleToSelector = `
const roleSelectors = {
	button: 'button, input[type=button], input[type=submit], input[type=reset], [role=button]',
	link: 'a[href], [role=link]',
	textbox: 'input:not([type]), input[type=text], input[type=email], input[type=password], input[type=search], input[type=tel], input[type=url], textarea, [role=textbox]',
	checkbox: 'input[type=checkbox], [role=checkbox]',
	radio: 'input[type=radio], [role=radio]',
	combobox: 'select, [role=combobox]',
	searchbox: 'input[type=search], [role=searchbox]',
	menuitem: '[role=menuitem]',
	option: 'option, [role=option]',
	tab: '[role=tab]',
	switch: '[role=switch]',
	slider: 'input[type=range], [role=slider]',
	heading: 'h1, h2, h3, h4, h5, h6, [role=heading]',
	img: 'img, [role=img]',
	list: 'ul, ol, [role=list]',
	listitem: 'li, [role=listitem]',
};
`

// AccessibleName is shared across the locator and the snapshotter: prefer
// aria-label, then aria-labelledby, then visible text, then title, then
// placeholder, then value (§4.6).
const AccessibleName = `
function accessibleName(el) {
	const ariaLabel = el.getAttribute && el.getAttribute('aria-label');
	if (ariaLabel) return ariaLabel.trim();
	const labelledBy = el.getAttribute && el.getAttribute('aria-labelledby');
	if (labelledBy) {
		const parts = labelledBy.split(/\s+/).map(id => {
			const ref = document.getElementById(id);
			return ref ? ref.innerText || ref.textContent || '' : '';
		}).filter(Boolean);
		if (parts.length) return parts.join(' ').trim();
	}
	const text = (el.innerText || el.textContent || '').trim();
	if (text) return text.replace(/\s+/g, ' ').slice(0, 200);
	const title = el.getAttribute && el.getAttribute('title');
	if (title) return title.trim();
	const placeholder = el.getAttribute && el.getAttribute('placeholder');
	if (placeholder) return placeholder.trim();
	if (el.value !== undefined && el.value !== null && String(el.value) !== '') return String(el.value).trim();
	return '';
}
`

// InferRole mirrors the tag-to-role fallback table in browser_snapshot.go,
// used when an element carries no explicit role attribute.
const InferRole = `
function inferRole(el) {
	const explicit = el.getAttribute && el.getAttribute('role');
	if (explicit) return explicit;
	const tag = el.tagName.toLowerCase();
	switch (tag) {
		case 'a': return el.hasAttribute('href') ? 'link' : 'generic';
		case 'button': return 'button';
		case 'input': {
			const type = (el.getAttribute('type') || 'text').toLowerCase();
			if (type === 'checkbox') return 'checkbox';
			if (type === 'radio') return 'radio';
			if (type === 'submit' || type === 'button' || type === 'reset') return 'button';
			if (type === 'search') return 'searchbox';
			if (type === 'range') return 'slider';
			return 'textbox';
		}
		case 'select': return 'combobox';
		case 'textarea': return 'textbox';
		case 'img': return 'img';
		case 'h1': case 'h2': case 'h3': case 'h4': case 'h5': case 'h6': return 'heading';
		case 'ul': case 'ol': return 'list';
		case 'li': return 'listitem';
		default: return 'generic';
	}
}
`

// Actionability contains the visible/enabled/editable/stable/notCovered
// predicates the actionability checker retries (§4.7).
const Actionability = `
function isVisible(el) {
	if (!el.isConnected) return false;
	const rect = el.getBoundingClientRect();
	if (rect.width <= 0 || rect.height <= 0) return false;
	const style = getComputedStyle(el);
	if (style.visibility === 'hidden' || style.display === 'none') return false;
	if (parseFloat(style.opacity) === 0) return false;
	return true;
}

function isEnabled(el) {
	if (el.disabled) return false;
	if (el.getAttribute && el.getAttribute('aria-disabled') === 'true') return false;
	let node = el;
	while (node) {
		if (node.disabled) return false;
		node = node.parentElement;
	}
	return true;
}

function isEditable(el) {
	const tag = el.tagName.toLowerCase();
	if (tag === 'input' || tag === 'textarea') return !el.readOnly && isEnabled(el);
	return !!el.isContentEditable;
}

function elementCenter(el) {
	const rect = el.getBoundingClientRect();
	return {x: rect.left + rect.width / 2, y: rect.top + rect.height / 2};
}

function isNotCovered(el) {
	const {x, y} = elementCenter(el);
	const top = document.elementFromPoint(x, y);
	if (!top) return false;
	return top === el || el.contains(top) || top.contains(el);
}

function pointerEventsOn(el) {
	return getComputedStyle(el).pointerEvents !== 'none';
}

function boundingBoxStable(el, prevRect) {
	const rect = el.getBoundingClientRect();
	if (!prevRect) return {stable: false, rect};
	const stable = Math.abs(rect.x - prevRect.x) < 0.5 &&
		Math.abs(rect.y - prevRect.y) < 0.5 &&
		Math.abs(rect.width - prevRect.width) < 0.5 &&
		Math.abs(rect.height - prevRect.height) < 0.5;
	return {stable, rect};
}
`

// AssignRef is evaluated once per locator/snapshot call to stamp the
// resolved element with a data-cdpstep-ref attribute so later steps can
// find it again by a plain CSS attribute selector, same as
// browser_snapshot.go's data-ref attribute.
const AssignRef = `
function assignRef(el, ref) {
	el.setAttribute('data-cdpstep-ref', ref);
	return '[data-cdpstep-ref="' + ref + '"]';
}
`

// SnapshotWalker builds the accessibility tree the snapshot step serializes:
// a recursive descent of the DOM (not a flat querySelectorAll) that nests
// each captured element under the ancestor it was found inside, honouring
// pierceShadow (open shadow roots) and includeFrames (same-origin iframe
// documents) the way §4.8 step 1 requires. Interactive-element selection
// and the ref/state fields per element are grounded on browser_snapshot.go;
// generalized here from a flat element list to a real children tree and
// from 3 states to the full checked/disabled/expanded/required/invalid/
// focused set.
const SnapshotWalker = AccessibleName + InferRole + `
function walk(root, refPrefix, counter, detail, pierceShadow, includeFrames) {
	const interactiveSelector = 'a[href], button, input, select, textarea, [role], [tabindex], ' +
		'[contenteditable="true"], h1, h2, h3, h4, h5, h6, [aria-live], [role=alert], [role=status]';
	const skipTags = new Set(['script', 'style', 'noscript', 'template']);

	function isVisible(el) {
		if (!el.isConnected) return false;
		const rect = el.getBoundingClientRect();
		if (rect.width <= 0 || rect.height <= 0) return false;
		const style = getComputedStyle(el);
		return style.visibility !== 'hidden' && style.display !== 'none';
	}

	function headingLevel(el, role) {
		if (role !== 'heading') return 0;
		const explicit = parseInt(el.getAttribute && el.getAttribute('aria-level'), 10);
		if (explicit > 0) return explicit;
		const m = /^h([1-6])$/i.exec(el.tagName);
		return m ? parseInt(m[1], 10) : 0;
	}

	function statesOf(el) {
		return {
			checked: el.checked === true || el.getAttribute('aria-checked') === 'true',
			disabled: el.disabled === true || el.getAttribute('aria-disabled') === 'true',
			expanded: el.getAttribute('aria-expanded') === 'true',
			required: el.required === true || el.getAttribute('aria-required') === 'true',
			invalid: el.getAttribute('aria-invalid') === 'true',
			focused: document.activeElement === el,
		};
	}

	function buildNode(el) {
		counter.n += 1;
		const ref = refPrefix + counter.n;
		el.setAttribute('data-cdpstep-ref', ref);
		const role = inferRole(el);
		return {
			ref: ref,
			role: role,
			name: accessibleName(el),
			tag: el.tagName.toLowerCase(),
			value: (el.value !== undefined ? String(el.value) : undefined),
			level: headingLevel(el, role),
			states: statesOf(el),
			children: [],
		};
	}

	function visit(el) {
		if (!el || el.nodeType !== 1) return [];
		const tag = el.tagName.toLowerCase();
		if (skipTags.has(tag)) return [];
		if ((detail === 'interactive' || detail === 'summary') && !isVisible(el)) return [];

		const captured = el.matches && el.matches(interactiveSelector);
		const node = captured ? buildNode(el) : null;

		const children = [];
		for (const child of el.children) {
			children.push(...visit(child));
		}
		if (pierceShadow && el.shadowRoot) {
			for (const child of el.shadowRoot.children) {
				children.push(...visit(child));
			}
		}
		if (includeFrames && tag === 'iframe') {
			try {
				const doc = el.contentDocument;
				const frameRoot = doc && (doc.body || doc.documentElement);
				if (frameRoot) {
					children.push(...visit(frameRoot));
				}
			} catch (e) {
				children.push({ref: '', role: 'iframe', name: '(cross-origin frame)', tag: 'iframe', children: []});
			}
		}

		if (node) {
			node.children = children;
			return [node];
		}
		return children;
	}

	return visit(root);
}
`
